package match

import (
	"context"

	"github.com/shopspring/decimal"
)

// Lender is the external lending engine. It owns collateral and debt ledgers
// and the health-factor check; the matching engine only asks it for credit.
type Lender interface {
	// Borrow draws amount of asset against the user's collateral.
	// It returns an error when the post-borrow health factor would be too low
	// or the pool cannot lend; the error text is reported as the rejection reason.
	Borrow(ctx context.Context, user Address, asset Asset, amount decimal.Decimal) error

	// HealthFactor returns the user's collateral-to-debt ratio. 1.0 means exactly
	// fully collateralized; below 1.0 the account is insolvent.
	HealthFactor(ctx context.Context, user Address) (decimal.Decimal, error)
}
