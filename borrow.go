package match

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AutoBorrower covers balance shortfalls at fill time by asking the lending
// engine for credit and crediting the borrowed funds to the ledger.
// It asks for additional credit only; it never inspects existing holdings,
// so collateral in any asset may back a borrow of any other asset.
type AutoBorrower struct {
	lender  Lender
	ledger  *Ledger
	metrics *Metrics
	timeout time.Duration
}

// AutoBorrowerOption configures an AutoBorrower.
type AutoBorrowerOption func(*AutoBorrower)

// WithBorrowTimeout bounds every call into the lending engine.
func WithBorrowTimeout(d time.Duration) AutoBorrowerOption {
	return func(b *AutoBorrower) {
		b.timeout = d
	}
}

// WithBorrowMetrics records borrow outcomes.
func WithBorrowMetrics(m *Metrics) AutoBorrowerOption {
	return func(b *AutoBorrower) {
		b.metrics = m
	}
}

// NewAutoBorrower creates a bridge between the ledger and a lending engine.
func NewAutoBorrower(lender Lender, ledger *Ledger, opts ...AutoBorrowerOption) *AutoBorrower {
	b := &AutoBorrower{
		lender:  lender,
		ledger:  ledger,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TryCover borrows exactly shortfall of asset for user. On success the funds
// are already in the user's available balance when it returns.
// A rejection returns zero and an error wrapping ErrBorrowRejected; the caller
// decides what to do with the uncovered part. There is no retry.
func (b *AutoBorrower) TryCover(ctx context.Context, user Address, asset Asset, shortfall decimal.Decimal) (decimal.Decimal, error) {
	if !shortfall.IsPositive() {
		return decimal.Zero, nil
	}
	if b == nil || b.lender == nil {
		return decimal.Zero, ErrNoLender
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.lender.Borrow(ctx, user, asset, shortfall); err != nil {
		b.metrics.borrow(asset, "rejected")
		logger.Info("auto-borrow rejected", "user", user, "asset", asset, "amount", shortfall.String(), "error", err)
		return decimal.Zero, fmt.Errorf("%w: %s %s for %s: %v", ErrBorrowRejected, shortfall, asset, user, err)
	}

	if err := b.ledger.Credit(user, asset, shortfall); err != nil {
		// The lender has already lent; this can only happen on a malformed amount.
		b.metrics.borrow(asset, "credit_failed")
		logger.Error("failed to credit borrowed funds", "user", user, "asset", asset, "amount", shortfall.String(), "error", err)
		return decimal.Zero, err
	}

	b.metrics.borrow(asset, "covered")
	logger.Debug("auto-borrow covered shortfall", "user", user, "asset", asset, "amount", shortfall.String())
	return shortfall, nil
}
