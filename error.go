package match

import "errors"

var (
	ErrInvalidParam   = errors.New("the param is invalid")
	ErrInternal       = errors.New("internal server error")
	ErrTimeout        = errors.New("timeout")
	ErrShutdown       = errors.New("order book is shutting down")
	ErrNotFound       = errors.New("not found")
	ErrOrderNotFound  = errors.New("order not found")
	ErrMarketExists   = errors.New("market already exists")
	ErrMarketHalted   = errors.New("market is halted")
	ErrMarketInactive = errors.New("market is not accepting orders")
	ErrUnauthorized   = errors.New("caller is not authorized for this account")
	ErrAccountPaused  = errors.New("account is paused")

	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")

	ErrBorrowRejected = errors.New("borrow rejected by lending engine")
	ErrNoLender       = errors.New("no lending engine configured")

	ErrCrossedBook   = errors.New("crossed book detected")
	ErrSequenceGap   = errors.New("event sequence gap")
	ErrUnknownMarket = errors.New("unknown market")
)
