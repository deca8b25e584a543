// Package lending is an in-process lending engine. It keeps collateral,
// pool liquidity and debt per asset and answers the matching engine's
// borrow requests with a health-factor check.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	match "github.com/0x5487/margin-engine"
)

var (
	ErrUnknownAsset          = errors.New("lending: unknown asset")
	ErrInsufficientLiquidity = errors.New("lending: insufficient pool liquidity")
	ErrUndercollateralized   = errors.New("lending: health factor below minimum")
	ErrNoPrice               = errors.New("lending: no price for asset")
	ErrRepayExceedsDebt      = errors.New("lending: repay exceeds debt")
	ErrInsufficientSupply    = errors.New("lending: withdrawal exceeds collateral")
)

// NoDebtHealthFactor is reported for accounts without debt.
var NoDebtHealthFactor = decimal.NewFromInt(1_000_000)

// AssetConfig describes one lendable asset.
type AssetConfig struct {
	Asset    match.Asset     `yaml:"asset"`
	Decimals int32           `yaml:"decimals"`
	LTV      decimal.Decimal `yaml:"-"` // Share of collateral value that counts toward borrowing power
}

// DefaultAssets returns the token table the pools were deployed with.
func DefaultAssets() []AssetConfig {
	ltv := decimal.RequireFromString("0.8")
	assets := []AssetConfig{
		{Asset: "WBTC", Decimals: 8},
		{Asset: "WETH", Decimals: 18},
	}
	for _, a := range []match.Asset{"USDC", "IDRX", "GOLD", "SILVER", "GOOGL", "NVDA", "AAPL", "MNT"} {
		assets = append(assets, AssetConfig{Asset: a, Decimals: 6})
	}
	for i := range assets {
		assets[i].LTV = ltv
	}
	return assets
}

// PriceSource values assets in USD scaled by 10^match.OracleDecimals.
// match.Oracle satisfies it.
type PriceSource interface {
	SpotPrice(ctx context.Context, asset match.Asset) (decimal.Decimal, error)
}

type position struct {
	collateral map[match.Asset]decimal.Decimal
	debt       map[match.Asset]decimal.Decimal
}

type reserve struct {
	cfg       AssetConfig
	liquidity decimal.Decimal // Total supplied to the pool
	borrowed  decimal.Decimal
}

// Pool implements match.Lender.
type Pool struct {
	prices          PriceSource
	minHealthFactor decimal.Decimal
	logger          *slog.Logger

	mu        sync.Mutex
	reserves  map[match.Asset]*reserve
	positions map[match.Address]*position
}

type Option func(*Pool)

// WithMinHealthFactor sets the lowest post-borrow health factor accepted. The default is 1.
func WithMinHealthFactor(hf decimal.Decimal) Option {
	return func(p *Pool) {
		p.minHealthFactor = hf
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

func NewPool(prices PriceSource, assets []AssetConfig, opts ...Option) *Pool {
	p := &Pool{
		prices:          prices,
		minHealthFactor: decimal.NewFromInt(1),
		logger:          slog.Default(),
		reserves:        make(map[match.Asset]*reserve, len(assets)),
		positions:       make(map[match.Address]*position),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, a := range assets {
		p.reserves[a.Asset] = &reserve{cfg: a}
	}
	p.logger = p.logger.With("component", "lending")
	return p
}

func (p *Pool) position(user match.Address) *position {
	pos, ok := p.positions[user]
	if !ok {
		pos = &position{
			collateral: make(map[match.Asset]decimal.Decimal),
			debt:       make(map[match.Asset]decimal.Decimal),
		}
		p.positions[user] = pos
	}
	return pos
}

func (p *Pool) reserve(asset match.Asset) (*reserve, error) {
	r, ok := p.reserves[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return r, nil
}

// Supply deposits collateral for user. Supplied funds also become lendable liquidity.
func (p *Pool) Supply(user match.Address, asset match.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return match.ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	pos := p.position(user)
	pos.collateral[asset] = pos.collateral[asset].Add(amount)
	r.liquidity = r.liquidity.Add(amount)
	return nil
}

// Withdraw returns collateral as long as the account stays healthy and the pool keeps enough cash.
func (p *Pool) Withdraw(ctx context.Context, user match.Address, asset match.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return match.ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	pos := p.position(user)
	if pos.collateral[asset].LessThan(amount) {
		return ErrInsufficientSupply
	}
	if r.liquidity.Sub(r.borrowed).LessThan(amount) {
		return ErrInsufficientLiquidity
	}

	pos.collateral[asset] = pos.collateral[asset].Sub(amount)
	hf, err := p.healthFactor(ctx, pos)
	if err == nil && hf.LessThan(p.minHealthFactor) {
		err = fmt.Errorf("%w: %s", ErrUndercollateralized, hf.StringFixed(4))
	}
	if err != nil {
		pos.collateral[asset] = pos.collateral[asset].Add(amount)
		return err
	}
	r.liquidity = r.liquidity.Sub(amount)
	return nil
}

// Borrow draws amount against the user's collateral. Debt is recorded rounded
// up to the asset's smallest unit.
func (p *Pool) Borrow(ctx context.Context, user match.Address, asset match.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return match.ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	owed := amount.RoundUp(r.cfg.Decimals)
	if available := r.liquidity.Sub(r.borrowed); available.LessThan(owed) {
		return fmt.Errorf("%w: %s %s available", ErrInsufficientLiquidity, available, asset)
	}

	pos := p.position(user)
	pos.debt[asset] = pos.debt[asset].Add(owed)
	hf, err := p.healthFactor(ctx, pos)
	if err == nil && hf.LessThan(p.minHealthFactor) {
		err = fmt.Errorf("%w: %s", ErrUndercollateralized, hf.StringFixed(4))
	}
	if err != nil {
		pos.debt[asset] = pos.debt[asset].Sub(owed)
		if pos.debt[asset].IsZero() {
			delete(pos.debt, asset)
		}
		return err
	}

	r.borrowed = r.borrowed.Add(owed)
	p.logger.Debug("borrow", "user", user, "asset", asset, "amount", owed.String(), "health_factor", hf.StringFixed(4))
	return nil
}

// Repay reduces the user's debt. The funds return to the pool.
func (p *Pool) Repay(user match.Address, asset match.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return match.ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return err
	}
	pos := p.position(user)
	if pos.debt[asset].LessThan(amount) {
		return ErrRepayExceedsDebt
	}
	pos.debt[asset] = pos.debt[asset].Sub(amount)
	if pos.debt[asset].IsZero() {
		delete(pos.debt, asset)
	}
	r.borrowed = r.borrowed.Sub(amount)
	return nil
}

func (p *Pool) HealthFactor(ctx context.Context, user match.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthFactor(ctx, p.position(user))
}

// healthFactor is sum(collateral * price * ltv) / sum(debt * price).
func (p *Pool) healthFactor(ctx context.Context, pos *position) (decimal.Decimal, error) {
	debt := decimal.Zero
	for asset, amount := range pos.debt {
		v, err := p.value(ctx, asset, amount)
		if err != nil {
			return decimal.Zero, err
		}
		debt = debt.Add(v)
	}
	if !debt.IsPositive() {
		return NoDebtHealthFactor, nil
	}

	power := decimal.Zero
	for asset, amount := range pos.collateral {
		v, err := p.value(ctx, asset, amount)
		if err != nil {
			return decimal.Zero, err
		}
		power = power.Add(v.Mul(p.reserves[asset].cfg.LTV))
	}
	return power.DivRound(debt, 18), nil
}

func (p *Pool) value(ctx context.Context, asset match.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	price, err := p.prices.SpotPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoPrice, asset, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return amount.Mul(price), nil
}

// Debt returns the user's outstanding debt in asset.
func (p *Pool) Debt(user match.Address, asset match.Asset) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position(user).debt[asset]
}

// Collateral returns the user's supplied collateral in asset.
func (p *Pool) Collateral(user match.Address, asset match.Asset) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position(user).collateral[asset]
}

// Utilization is borrowed / liquidity of the asset's pool, zero for an empty pool.
func (p *Pool) Utilization(asset match.Asset) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.reserve(asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !r.liquidity.IsPositive() {
		return decimal.Zero, nil
	}
	return r.borrowed.DivRound(r.liquidity, 8), nil
}

// StaticPrices is a fixed PriceSource.
type StaticPrices map[match.Asset]decimal.Decimal

func (s StaticPrices) SpotPrice(_ context.Context, asset match.Asset) (decimal.Decimal, error) {
	price, ok := s[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return price, nil
}
