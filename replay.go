package match

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BookReplayer rebuilds the resting book of one market from its event stream.
// Placed events insert, cancelled events remove and trade events reduce the
// maker; filled and rejected events carry no extra book state.
type BookReplayer struct {
	marketID string
	seqID    uint64
	orderSeq uint64
	tradeID  uint64
	bids     *queue
	asks     *queue
}

// NewBookReplayer creates a replayer starting from an empty book.
func NewBookReplayer(marketID string) *BookReplayer {
	return &BookReplayer{
		marketID: marketID,
		bids:     NewBuyerQueue(),
		asks:     NewSellerQueue(),
	}
}

// SequenceID returns the last applied event sequence.
func (r *BookReplayer) SequenceID() uint64 {
	return r.seqID
}

func (r *BookReplayer) queueFor(side Side) *queue {
	if side == Buy {
		return r.bids
	}
	return r.asks
}

// Apply applies one event. Events of other markets and duplicates are skipped.
func (r *BookReplayer) Apply(ev *Event) error {
	if ev.MarketID != r.marketID || ev.SequenceID <= r.seqID {
		return nil
	}
	if ev.SequenceID != r.seqID+1 {
		return fmt.Errorf("%w: market %s have %d, got %d", ErrSequenceGap, r.marketID, r.seqID, ev.SequenceID)
	}

	switch ev.Type {
	case EventOrderPlaced:
		r.queueFor(ev.Side).insertOrder(&Order{
			ID:           ev.OrderID,
			Owner:        ev.Owner,
			Side:         ev.Side,
			Type:         ev.OrderType,
			Price:        ev.Price,
			OriginalSize: ev.Size,
			Size:         ev.Size,
			Locked:       ev.Locked,
			AutoBorrow:   ev.AutoBorrow,
			TimeInForce:  ev.TimeInForce,
			ExpiresAt:    ev.ExpiresAt,
			Timestamp:    ev.CreatedAt.UnixNano(),
		})
	case EventOrderCancelled:
		if r.queueFor(ev.Side).removeOrder(ev.OrderID) == nil {
			return fmt.Errorf("%w: cancel of %s at seq %d", ErrOrderNotFound, ev.OrderID, ev.SequenceID)
		}
	case EventTradeExecuted:
		q := r.queueFor(ev.Side.Opposite())
		maker := q.order(ev.MakerOrderID)
		if maker == nil {
			return fmt.Errorf("%w: maker %s at seq %d", ErrOrderNotFound, ev.MakerOrderID, ev.SequenceID)
		}
		q.reduceOrder(maker.ID, ev.Size)
		maker.Locked = maker.Locked.Sub(replayReserve(maker.Side, ev.Price, ev.Size))
		if !maker.Size.IsPositive() {
			q.removeOrder(maker.ID)
		}
		if ev.TradeID > r.tradeID {
			r.tradeID = ev.TradeID
		}
	}

	if ev.OrderID.Seq > r.orderSeq {
		r.orderSeq = ev.OrderID.Seq
	}
	r.seqID = ev.SequenceID
	return nil
}

func replayReserve(side Side, price, size decimal.Decimal) decimal.Decimal {
	if side == Buy {
		return price.Mul(size)
	}
	return size
}

// Snapshot returns the replayed book in the same shape the live book produces.
func (r *BookReplayer) Snapshot() *OrderBookSnapshot {
	snap := &OrderBookSnapshot{
		MarketID: r.marketID,
		SeqID:    r.seqID,
		OrderSeq: r.orderSeq,
		TradeID:  r.tradeID,
		Bids:     make([]*Order, 0, r.bids.orderCount()),
		Asks:     make([]*Order, 0, r.asks.orderCount()),
	}
	bids := r.bids.toSnapshot()
	for i := range bids {
		snap.Bids = append(snap.Bids, &bids[i])
	}
	asks := r.asks.toSnapshot()
	for i := range asks {
		snap.Asks = append(snap.Asks, &asks[i])
	}
	return snap
}

// ReplayEvents rebuilds one market's book from a complete event log.
func ReplayEvents(marketID string, events []*Event) (*OrderBookSnapshot, error) {
	r := NewBookReplayer(marketID)
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return nil, err
		}
	}
	return r.Snapshot(), nil
}
