package match

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Policy decides who may act for an account. It stands in for the
// permission and pause checks of the surrounding platform.
type Policy interface {
	// Authorized reports whether caller may place or cancel orders owned by owner.
	Authorized(caller, owner Address) bool
	// Paused reports whether the account is frozen for new orders.
	Paused(user Address) bool
	// Operator reports whether caller may move funds into the ledger.
	Operator(caller Address) bool
}

// AccessList is an in-memory Policy. Owners always act for themselves;
// operators act for everyone.
type AccessList struct {
	mu        sync.RWMutex
	operators map[Address]struct{}
	paused    map[Address]struct{}
}

// NewAccessList creates a policy with the given operators.
func NewAccessList(operators ...Address) *AccessList {
	a := &AccessList{
		operators: make(map[Address]struct{}),
		paused:    make(map[Address]struct{}),
	}
	for _, op := range operators {
		a.operators[op] = struct{}{}
	}
	return a
}

func (a *AccessList) AddOperator(op Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.operators[op] = struct{}{}
}

func (a *AccessList) RemoveOperator(op Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.operators, op)
}

// Pause freezes an account for new orders. Cancels remain allowed.
func (a *AccessList) Pause(user Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused[user] = struct{}{}
}

func (a *AccessList) Unpause(user Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paused, user)
}

func (a *AccessList) Authorized(caller, owner Address) bool {
	if caller == "" {
		return false
	}
	if caller == owner {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.operators[caller]
	return ok
}

func (a *AccessList) Operator(caller Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.operators[caller]
	return ok
}

func (a *AccessList) Paused(user Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.paused[user]
	return ok
}

// validatePlaceOrder runs the acceptance checks. Nothing about the book or
// ledger changes when it fails.
func validatePlaceOrder(m *MarketConfig, policy Policy, caller Address, req *PlaceOrderRequest, now int64) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidParam)
	}
	if req.MarketID != "" && req.MarketID != m.ID {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, req.MarketID)
	}
	if req.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidParam)
	}
	if policy.Paused(req.Owner) {
		return fmt.Errorf("%w: %s", ErrAccountPaused, req.Owner)
	}
	if !policy.Authorized(caller, req.Owner) {
		return fmt.Errorf("%w: %s may not act for %s", ErrUnauthorized, caller, req.Owner)
	}
	if req.Side != Buy && req.Side != Sell {
		return fmt.Errorf("%w: side", ErrInvalidParam)
	}

	switch req.Type {
	case Limit:
		if !req.Price.IsPositive() {
			return fmt.Errorf("%w: price must be positive", ErrInvalidParam)
		}
		if !req.Size.IsPositive() {
			return fmt.Errorf("%w: size must be positive", ErrInvalidParam)
		}
		if !req.QuoteSize.IsZero() {
			return fmt.Errorf("%w: quote size is only valid for market buys", ErrInvalidParam)
		}
		if !isMultiple(req.Price, m.TickSize) {
			return fmt.Errorf("%w: price %s is not a multiple of tick %s", ErrInvalidParam, req.Price, m.TickSize)
		}
	case Market:
		if !req.Price.IsZero() {
			return fmt.Errorf("%w: market orders carry no price", ErrInvalidParam)
		}
		hasBase, hasQuote := !req.Size.IsZero(), !req.QuoteSize.IsZero()
		if hasBase == hasQuote {
			return fmt.Errorf("%w: exactly one of size and quote size is required", ErrInvalidParam)
		}
		if hasQuote {
			if req.Side != Buy {
				return fmt.Errorf("%w: quote size is only valid for market buys", ErrInvalidParam)
			}
			if !req.QuoteSize.IsPositive() {
				return fmt.Errorf("%w: quote size must be positive", ErrInvalidParam)
			}
		} else if !req.Size.IsPositive() {
			return fmt.Errorf("%w: size must be positive", ErrInvalidParam)
		}
		if req.TimeInForce == GTT {
			return fmt.Errorf("%w: market orders never rest", ErrInvalidParam)
		}
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidParam, req.Type)
	}

	if req.Size.IsPositive() {
		if !req.Size.Equal(m.truncSize(req.Size)) {
			return fmt.Errorf("%w: size %s exceeds %d decimals", ErrInvalidParam, req.Size, m.BaseDecimals)
		}
		if !isMultiple(req.Size, m.MinLotSize) {
			return fmt.Errorf("%w: size %s is not a multiple of lot %s", ErrInvalidParam, req.Size, m.MinLotSize)
		}
	}

	switch req.TimeInForce {
	case "", GTC:
		if req.ExpiresAt != 0 {
			return fmt.Errorf("%w: expiry requires gtt", ErrInvalidParam)
		}
	case GTT:
		if req.ExpiresAt <= now {
			return fmt.Errorf("%w: expiry must be in the future", ErrInvalidParam)
		}
	default:
		return fmt.Errorf("%w: time in force %q", ErrInvalidParam, req.TimeInForce)
	}
	return nil
}

// crosses reports whether a taker at limit may trade against a maker price.
func crosses(taker *Order, makerPrice decimal.Decimal) bool {
	if taker.Type == Market {
		return true
	}
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.LessThanOrEqual(makerPrice)
}
