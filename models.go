package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/0x5487/margin-engine/protocol"
	"github.com/shopspring/decimal"
)

type Side = protocol.Side

const (
	Buy  Side = protocol.SideBuy
	Sell Side = protocol.SideSell
)

type OrderType = protocol.OrderType

const (
	Market OrderType = protocol.OrderTypeMarket
	Limit  OrderType = protocol.OrderTypeLimit
)

type TimeInForce = protocol.TimeInForce

const (
	GTC TimeInForce = protocol.TimeInForceGTC
	GTT TimeInForce = protocol.TimeInForceGTT
)

// Address identifies an account owner.
type Address string

// Asset is a token symbol, e.g. "WBTC" or "USDC".
type Asset string

// OrderID is the identity of an accepted order: the market plus a per-market
// sequence number assigned at acceptance.
type OrderID struct {
	MarketID string
	Seq      uint64
}

func (id OrderID) String() string {
	return id.MarketID + ":" + strconv.FormatUint(id.Seq, 10)
}

func (id OrderID) IsZero() bool {
	return id.Seq == 0
}

// MarshalText encodes the zero id as an empty string.
func (id OrderID) MarshalText() ([]byte, error) {
	if id.IsZero() && id.MarketID == "" {
		return []byte{}, nil
	}
	return []byte(id.String()), nil
}

func (id *OrderID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = OrderID{}
		return nil
	}
	parsed, err := ParseOrderID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseOrderID parses the "<market>:<seq>" form produced by OrderID.String.
func ParseOrderID(s string) (OrderID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return OrderID{}, fmt.Errorf("%w: order id %q", ErrInvalidParam, s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return OrderID{}, fmt.Errorf("%w: order id %q", ErrInvalidParam, s)
	}
	return OrderID{MarketID: s[:idx], Seq: seq}, nil
}

// Order represents the state of an order in the order book.
// This is the serializable state used for snapshots.
type Order struct {
	ID           OrderID         `json:"id"`
	Owner        Address         `json:"owner"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	OriginalSize decimal.Decimal `json:"original_size"`
	Size         decimal.Decimal `json:"size"`   // Remaining size
	Locked       decimal.Decimal `json:"locked"` // Ledger reserve backing Size (quote for bids, base for asks)
	AutoBorrow   bool            `json:"auto_borrow,omitempty"`
	TimeInForce  TimeInForce     `json:"time_in_force"`
	ExpiresAt    int64           `json:"expires_at,omitempty"` // Unix nano, zero for gtc
	Timestamp    int64           `json:"timestamp"`            // Unix nano, acceptance time

	// Intrusive linked list pointers (ignored by JSON)
	next *Order
	prev *Order
}

func (o *Order) expired(now int64) bool {
	return o.TimeInForce == GTT && o.ExpiresAt > 0 && now >= o.ExpiresAt
}

// PlaceOrderRequest is the typed input of PlaceOrder.
// Size is the base quantity. QuoteSize is only valid for market buys and replaces Size.
type PlaceOrderRequest struct {
	MarketID    string
	Owner       Address
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	QuoteSize   decimal.Decimal
	AutoBorrow  bool
	TimeInForce TimeInForce
	ExpiresAt   int64
}

// Trade is the immutable record of one match. Price is always the maker's price.
type Trade struct {
	ID           uint64          `json:"trade_id"`
	SequenceID   uint64          `json:"seq_id"`
	MarketID     string          `json:"market_id"`
	MakerOrderID OrderID         `json:"maker_order_id"`
	TakerOrderID OrderID         `json:"taker_order_id"`
	Maker        Address         `json:"maker"`
	Taker        Address         `json:"taker"`
	TakerSide    Side            `json:"taker_side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Amount       decimal.Decimal `json:"amount"` // Price * Size in quote units
	Timestamp    int64           `json:"timestamp"`
}

// PlaceOrderResult is the synchronous outcome of one submission.
type PlaceOrderResult struct {
	OrderID        OrderID
	Trades         []*Trade
	Filled         decimal.Decimal // Base quantity executed
	FilledQuote    decimal.Decimal // Quote amount executed
	Resting        decimal.Decimal // Base quantity left in the book (limit only)
	Discarded      decimal.Decimal // Base quantity neither filled nor resting
	DiscardedQuote decimal.Decimal // Unspent quote of a quote-denominated market buy
	Reason         protocol.Reason // Why something was discarded, if anything was
	// BorrowRejections lists lending engine refusals met while filling. They never abort the order.
	BorrowRejections []error
}

// DepthItem is one aggregated price level.
type DepthItem struct {
	ID    uint32
	Price decimal.Decimal
	Size  decimal.Decimal
	Count int64
}

// Depth is a top-of-book view up to a limit per side.
type Depth struct {
	UpdateID uint64       `json:"update_id"`
	Asks     []*DepthItem `json:"asks"`
	Bids     []*DepthItem `json:"bids"`
}

// BookStats contains statistics about the order book queues
type BookStats struct {
	AskDepthCount int64
	AskOrderCount int64
	BidDepthCount int64
	BidOrderCount int64
}

// DepthChange represents a change in the order book depth.
type DepthChange struct {
	Side     Side
	Price    decimal.Decimal
	SizeDiff decimal.Decimal
}
