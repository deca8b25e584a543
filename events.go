package match

import (
	"sync"
	"time"

	"github.com/0x5487/margin-engine/protocol"
	"github.com/shopspring/decimal"
)

type EventType = protocol.EventType

const (
	EventOrderPlaced    EventType = protocol.EventOrderPlaced
	EventOrderFilled    EventType = protocol.EventOrderFilled
	EventOrderCancelled EventType = protocol.EventOrderCancelled
	EventTradeExecuted  EventType = protocol.EventTradeExecuted
	EventOrderRejected  EventType = protocol.EventOrderRejected
)

// Event is one entry of a market's event stream.
// SequenceID increases by one for every event of a market and is used for
// ordering, deduplication, gap detection and replay.
// Placed, cancelled and trade events change resting book state;
// filled and rejected events are informational.
type Event struct {
	SequenceID   uint64              `json:"seq_id"`
	Type         EventType           `json:"type"`
	MarketID     string              `json:"market_id"`
	OrderID      OrderID             `json:"order_id"`
	Owner        Address             `json:"owner"`
	Side         Side                `json:"side"`
	OrderType    OrderType           `json:"order_type,omitempty"`
	Price        decimal.Decimal     `json:"price"`
	Size         decimal.Decimal     `json:"size"`                // Placed: resting size. Trade/filled: fill size. Cancelled: size removed.
	Remaining    decimal.Decimal     `json:"remaining,omitempty"` // Filled: size left on the order
	Locked       decimal.Decimal     `json:"locked,omitempty"`    // Placed: reserve locked for the order
	Amount       decimal.Decimal     `json:"amount,omitempty"`    // Trade: Price * Size
	TradeID      uint64              `json:"trade_id,omitempty"`
	MakerOrderID OrderID             `json:"maker_order_id,omitempty"`
	Maker        Address             `json:"maker,omitempty"`
	FillStatus   protocol.FillStatus `json:"fill_status,omitempty"`
	Reason       protocol.Reason     `json:"reason,omitempty"`
	AutoBorrow   bool                `json:"auto_borrow,omitempty"`
	TimeInForce  TimeInForce         `json:"time_in_force,omitempty"`
	ExpiresAt    int64               `json:"expires_at,omitempty"`
	BatchID      string              `json:"batch_id,omitempty"` // Groups every event of one command
	CreatedAt    time.Time           `json:"created_at"`
}

var eventPool = sync.Pool{
	New: func() any {
		return new(Event)
	},
}

func acquireEvent() *Event {
	return eventPool.Get().(*Event)
}

func releaseEvent(ev *Event) {
	// For decimal.Decimal, the zero value represents 0, which is valid.
	*ev = Event{}
	eventPool.Put(ev)
}

// Clone copies an event out of the pool so it can outlive Publish.
func (ev *Event) Clone() *Event {
	cpy := new(Event)
	*cpy = *ev
	return cpy
}

func newPlacedEvent(seqID uint64, order *Order, now time.Time) *Event {
	ev := acquireEvent()
	ev.SequenceID = seqID
	ev.Type = EventOrderPlaced
	ev.MarketID = order.ID.MarketID
	ev.OrderID = order.ID
	ev.Owner = order.Owner
	ev.Side = order.Side
	ev.OrderType = order.Type
	ev.Price = order.Price
	ev.Size = order.Size
	ev.Locked = order.Locked
	ev.AutoBorrow = order.AutoBorrow
	ev.TimeInForce = order.TimeInForce
	ev.ExpiresAt = order.ExpiresAt
	ev.CreatedAt = now
	return ev
}

func newTradeEvent(seqID uint64, trade *Trade, takerType OrderType, now time.Time) *Event {
	ev := acquireEvent()
	ev.SequenceID = seqID
	ev.Type = EventTradeExecuted
	ev.MarketID = trade.MarketID
	ev.OrderID = trade.TakerOrderID
	ev.Owner = trade.Taker
	ev.Side = trade.TakerSide
	ev.OrderType = takerType
	ev.Price = trade.Price
	ev.Size = trade.Size
	ev.Amount = trade.Amount
	ev.TradeID = trade.ID
	ev.MakerOrderID = trade.MakerOrderID
	ev.Maker = trade.Maker
	ev.CreatedAt = now
	return ev
}

func newFilledEvent(seqID uint64, id OrderID, owner Address, side Side, price, size, remaining decimal.Decimal, now time.Time) *Event {
	ev := acquireEvent()
	ev.SequenceID = seqID
	ev.Type = EventOrderFilled
	ev.MarketID = id.MarketID
	ev.OrderID = id
	ev.Owner = owner
	ev.Side = side
	ev.Price = price
	ev.Size = size
	ev.Remaining = remaining
	ev.FillStatus = protocol.FillStatusPartial
	if !remaining.IsPositive() {
		ev.FillStatus = protocol.FillStatusFull
	}
	ev.CreatedAt = now
	return ev
}

func newCancelledEvent(seqID uint64, order *Order, reason protocol.Reason, now time.Time) *Event {
	ev := acquireEvent()
	ev.SequenceID = seqID
	ev.Type = EventOrderCancelled
	ev.MarketID = order.ID.MarketID
	ev.OrderID = order.ID
	ev.Owner = order.Owner
	ev.Side = order.Side
	ev.OrderType = order.Type
	ev.Price = order.Price
	ev.Size = order.Size
	ev.Locked = order.Locked
	ev.Reason = reason
	ev.CreatedAt = now
	return ev
}

func newRejectedEvent(seqID uint64, order *Order, discarded decimal.Decimal, reason protocol.Reason, now time.Time) *Event {
	ev := acquireEvent()
	ev.SequenceID = seqID
	ev.Type = EventOrderRejected
	ev.MarketID = order.ID.MarketID
	ev.OrderID = order.ID
	ev.Owner = order.Owner
	ev.Side = order.Side
	ev.OrderType = order.Type
	ev.Price = order.Price
	ev.Size = discarded
	ev.Reason = reason
	ev.CreatedAt = now
	return ev
}
