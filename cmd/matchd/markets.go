package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/lending"
)

// Registry is the markets.yaml file: markets to open, lendable assets, the
// collateral seeded into the reference lending pool and fallback prices used
// when no oracle is configured.
type Registry struct {
	Markets    []MarketEntry     `yaml:"markets"`
	Assets     []AssetEntry      `yaml:"assets"`
	Collateral []CollateralEntry `yaml:"collateral"`
	Prices     map[string]string `yaml:"prices"` // USD scaled by 10^8
}

// Decimal fields are strings so YAML never turns them into floats.
type MarketEntry struct {
	ID            string `yaml:"id"`
	Base          string `yaml:"base"`
	Quote         string `yaml:"quote"`
	BaseDecimals  int32  `yaml:"base_decimals"`
	QuoteDecimals int32  `yaml:"quote_decimals"`
	TickSize      string `yaml:"tick_size"`
	MinLotSize    string `yaml:"min_lot_size"`
}

type AssetEntry struct {
	Asset    string `yaml:"asset"`
	Decimals int32  `yaml:"decimals"`
	LTV      string `yaml:"ltv"`
}

type CollateralEntry struct {
	User   string `yaml:"user"`
	Asset  string `yaml:"asset"`
	Amount string `yaml:"amount"`
}

func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return reg, nil
}

func optionalDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return v, nil
}

func (r *Registry) MarketConfigs() ([]match.MarketConfig, error) {
	out := make([]match.MarketConfig, 0, len(r.Markets))
	for _, m := range r.Markets {
		tick, err := optionalDecimal("tick_size", m.TickSize)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.ID, err)
		}
		lot, err := optionalDecimal("min_lot_size", m.MinLotSize)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.ID, err)
		}
		out = append(out, match.MarketConfig{
			ID:            m.ID,
			Base:          match.Asset(m.Base),
			Quote:         match.Asset(m.Quote),
			BaseDecimals:  m.BaseDecimals,
			QuoteDecimals: m.QuoteDecimals,
			TickSize:      tick,
			MinLotSize:    lot,
		})
	}
	return out, nil
}

// AssetConfigs falls back to the default token table when the file lists no assets.
func (r *Registry) AssetConfigs() ([]lending.AssetConfig, error) {
	if len(r.Assets) == 0 {
		return lending.DefaultAssets(), nil
	}
	out := make([]lending.AssetConfig, 0, len(r.Assets))
	for _, a := range r.Assets {
		ltv, err := optionalDecimal("ltv", a.LTV)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Asset, err)
		}
		out = append(out, lending.AssetConfig{Asset: match.Asset(a.Asset), Decimals: a.Decimals, LTV: ltv})
	}
	return out, nil
}

func (r *Registry) StaticPrices() (lending.StaticPrices, error) {
	prices := make(lending.StaticPrices, len(r.Prices))
	for asset, s := range r.Prices {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("price of %s: %w", asset, err)
		}
		prices[match.Asset(asset)] = v
	}
	return prices, nil
}

// SeedCollateral supplies the configured collateral to the pool.
func (r *Registry) SeedCollateral(pool *lending.Pool) error {
	for _, c := range r.Collateral {
		amount, err := decimal.NewFromString(c.Amount)
		if err != nil {
			return fmt.Errorf("collateral of %s: %w", c.User, err)
		}
		if err := pool.Supply(match.Address(c.User), match.Asset(c.Asset), amount); err != nil {
			return fmt.Errorf("collateral of %s: %w", c.User, err)
		}
	}
	return nil
}
