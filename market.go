package match

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketConfig describes a trading pair. Quantities are expressed in base units
// and prices in quote units per base unit.
type MarketConfig struct {
	ID            string          `json:"id" yaml:"id"`
	Base          Asset           `json:"base" yaml:"base"`
	Quote         Asset           `json:"quote" yaml:"quote"`
	BaseDecimals  int32           `json:"base_decimals" yaml:"base_decimals"`   // Quantity precision
	QuoteDecimals int32           `json:"quote_decimals" yaml:"quote_decimals"` // Used for price reporting
	TickSize      decimal.Decimal `json:"tick_size" yaml:"-"`                   // Zero disables the check
	MinLotSize    decimal.Decimal `json:"min_lot_size" yaml:"-"`                // Zero disables the check
}

func (m *MarketConfig) validate() error {
	if m.ID == "" || m.Base == "" || m.Quote == "" {
		return fmt.Errorf("%w: market id, base and quote are required", ErrInvalidParam)
	}
	// Order ids render as "<market>:<seq>" and journal keys as "evt/<market>/<seq>".
	if strings.ContainsAny(m.ID, ":/") {
		return fmt.Errorf("%w: market id must not contain ':' or '/'", ErrInvalidParam)
	}
	if m.Base == m.Quote {
		return fmt.Errorf("%w: base and quote must differ", ErrInvalidParam)
	}
	if m.BaseDecimals < 0 || m.QuoteDecimals < 0 {
		return fmt.Errorf("%w: decimals must not be negative", ErrInvalidParam)
	}
	if m.TickSize.IsNegative() || m.MinLotSize.IsNegative() {
		return fmt.Errorf("%w: tick and lot size must not be negative", ErrInvalidParam)
	}
	return nil
}

// reserveAsset is the asset a resting order of the given side locks.
func (m *MarketConfig) reserveAsset(side Side) Asset {
	if side == Buy {
		return m.Quote
	}
	return m.Base
}

// reserveFor is the amount a resting order of size at price must lock.
func (m *MarketConfig) reserveFor(side Side, price, size decimal.Decimal) decimal.Decimal {
	if side == Buy {
		return price.Mul(size)
	}
	return size
}

// truncSize floors a base quantity to the market precision.
func (m *MarketConfig) truncSize(size decimal.Decimal) decimal.Decimal {
	return size.Truncate(m.BaseDecimals)
}

// floorLot rounds a non-negative size down to a multiple of the lot size.
func (m *MarketConfig) floorLot(size decimal.Decimal) decimal.Decimal {
	if !m.MinLotSize.IsPositive() {
		return size
	}
	return size.Sub(size.Mod(m.MinLotSize))
}

// affordableSize returns the largest base quantity at price whose cost does
// not exceed funds. For asks the funds are already base units. The result is
// a whole number of lots.
func (m *MarketConfig) affordableSize(side Side, price, funds decimal.Decimal) decimal.Decimal {
	if !funds.IsPositive() {
		return decimal.Zero
	}
	if side == Sell {
		return m.floorLot(m.truncSize(funds))
	}
	size := m.truncSize(funds.Div(price))
	// Div rounds at DivisionPrecision; step back one unit if that rounded up.
	if size.Mul(price).GreaterThan(funds) {
		size = size.Sub(decimal.New(1, -m.BaseDecimals))
	}
	if size.IsNegative() {
		return decimal.Zero
	}
	return m.floorLot(size)
}

func isMultiple(v, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	return v.Mod(step).IsZero()
}
