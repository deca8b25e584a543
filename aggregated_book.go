package match

import (
	"fmt"
	"sync"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// AggregatedBook maintains a simplified view of the order book,
// tracking only price levels and their aggregated sizes (depth).
// It is designed for downstream services that need to rebuild
// order book state from events received over a journal or message queue.
type AggregatedBook struct {
	mu    sync.RWMutex
	seqID uint64 // Last processed SequenceID for gap detection and deduplication
	ask   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
	bid   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
}

func newPriceTree() *treemap.TreeMap[decimal.Decimal, decimal.Decimal] {
	return treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](func(a, b decimal.Decimal) bool {
		return a.LessThan(b)
	})
}

// NewAggregatedBook creates a new AggregatedBook instance with empty ask and bid sides.
func NewAggregatedBook() *AggregatedBook {
	return &AggregatedBook{
		ask: newPriceTree(),
		bid: newPriceTree(),
	}
}

// SequenceID returns the last processed sequence ID.
func (ab *AggregatedBook) SequenceID() uint64 {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.seqID
}

// Replay applies one event. Events at or below the last sequence are duplicates
// and ignored; a jump returns ErrSequenceGap and leaves the book untouched.
func (ab *AggregatedBook) Replay(ev *Event) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ev.SequenceID <= ab.seqID {
		return nil
	}
	if ev.SequenceID != ab.seqID+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, ab.seqID, ev.SequenceID)
	}

	change := CalculateDepthChange(ev)
	if !change.SizeDiff.IsZero() {
		tree := ab.bid
		if change.Side == Sell {
			tree = ab.ask
		}
		size, _ := tree.Get(change.Price)
		size = size.Add(change.SizeDiff)
		if size.IsPositive() {
			tree.Set(change.Price, size)
		} else {
			tree.Del(change.Price)
		}
	}

	ab.seqID = ev.SequenceID
	return nil
}

// OnRebuild resets the aggregated book from a snapshot. Events after
// snap.SeqID can then be replayed on top.
func (ab *AggregatedBook) OnRebuild(snap *OrderBookSnapshot) error {
	if snap == nil {
		return ErrInvalidParam
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	ab.ask = newPriceTree()
	ab.bid = newPriceTree()
	load := func(orders []*Order, tree *treemap.TreeMap[decimal.Decimal, decimal.Decimal]) {
		for _, o := range orders {
			size, _ := tree.Get(o.Price)
			tree.Set(o.Price, size.Add(o.Size))
		}
	}
	load(snap.Bids, ab.bid)
	load(snap.Asks, ab.ask)
	ab.seqID = snap.SeqID
	return nil
}

// Depth returns the aggregated size at a specific price level for the given side.
// Returns zero if the price level does not exist.
func (ab *AggregatedBook) Depth(side Side, price decimal.Decimal) (decimal.Decimal, error) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	switch side {
	case Buy:
		size, _ := ab.bid.Get(price)
		return size, nil
	case Sell:
		size, _ := ab.ask.Get(price)
		return size, nil
	}
	return decimal.Zero, ErrInvalidParam
}

// Levels returns up to limit levels of side, best price first.
func (ab *AggregatedBook) Levels(side Side, limit int) []*DepthItem {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	items := make([]*DepthItem, 0, limit)
	add := func(price, size decimal.Decimal) bool {
		if len(items) >= limit {
			return false
		}
		//nolint:gosec // limit bounds the index
		items = append(items, &DepthItem{ID: uint32(len(items)), Price: price, Size: size})
		return true
	}

	if side == Buy {
		for it := ab.bid.Reverse(); it.Valid(); it.Next() {
			if !add(it.Key(), it.Value()) {
				break
			}
		}
		return items
	}
	for it := ab.ask.Iterator(); it.Valid(); it.Next() {
		if !add(it.Key(), it.Value()) {
			break
		}
	}
	return items
}
