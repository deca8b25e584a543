package protocol

import (
	"errors"
	"strings"
)

var ErrUnknownEnum = errors.New("unknown enum value")

// Side represents the order side (Buy/Sell).
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side a taker of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) MarshalText() ([]byte, error) {
	if s != SideBuy && s != SideSell {
		return nil, ErrUnknownEnum
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "buy", "bid":
		*s = SideBuy
	case "sell", "ask":
		*s = SideSell
	default:
		return ErrUnknownEnum
	}
	return nil
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long a resting order stays in the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc" // Good till cancelled (default)
	TimeInForceGTT TimeInForce = "gtt" // Good till time, requires an expiry timestamp
)

// EventType represents the type of event emitted by an order book.
type EventType string

const (
	EventOrderPlaced    EventType = "order_placed"
	EventOrderFilled    EventType = "order_filled"
	EventOrderCancelled EventType = "order_cancelled"
	EventTradeExecuted  EventType = "trade_executed"
	EventOrderRejected  EventType = "order_rejected"
)

// FillStatus tells whether an order_filled event left the order open or terminal.
type FillStatus string

const (
	FillStatusPartial FillStatus = "partial"
	FillStatusFull    FillStatus = "full"
)

// Reason explains a cancellation, a rejection or a discarded remainder.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonUserCancelled       Reason = "user_cancelled"
	ReasonExpired             Reason = "expired"
	ReasonNoLiquidity         Reason = "no_liquidity"          // Market: opposite side exhausted
	ReasonInsufficientBalance Reason = "insufficient_balance"  // Taker could not cover the next fill
	ReasonInsufficientReserve Reason = "insufficient_reserve"  // Maker reserve covers nothing
	ReasonBorrowRejected      Reason = "borrow_rejected"       // Lending engine refused the shortfall
	ReasonMarketSuspended     Reason = "market_suspended"
	ReasonInvalidPayload      Reason = "invalid_payload"
)

// OrderBookState represents the lifecycle state of an order book.
type OrderBookState uint8

const (
	// OrderBookStateRunning indicates the order book is active and accepting all trading operations.
	OrderBookStateRunning OrderBookState = 0
	// OrderBookStateSuspended indicates the order book is temporarily paused; only cancel operations are allowed.
	OrderBookStateSuspended OrderBookState = 1
	// OrderBookStateHalted indicates an invariant violation stopped the book; no operations are allowed.
	OrderBookStateHalted OrderBookState = 2
)

func (s OrderBookState) String() string {
	switch s {
	case OrderBookStateRunning:
		return "running"
	case OrderBookStateSuspended:
		return "suspended"
	case OrderBookStateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

type DepthItem struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int64  `json:"count"`
}

// GetDepthResponse represents the state of the order book depth.
type GetDepthResponse struct {
	UpdateID uint64       `json:"update_id"`
	Asks     []*DepthItem `json:"asks"`
	Bids     []*DepthItem `json:"bids"`
}

// GetStatsResponse contains statistics about the order book queues.
type GetStatsResponse struct {
	AskDepthCount int64 `json:"ask_depth_count"`
	AskOrderCount int64 `json:"ask_order_count"`
	BidDepthCount int64 `json:"bid_depth_count"`
	BidOrderCount int64 `json:"bid_order_count"`
}
