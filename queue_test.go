package match

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueOrder(seq uint64, price, size int64) *Order {
	return &Order{
		ID:    OrderID{MarketID: "WBTC-USDC", Seq: seq},
		Price: decimal.NewFromInt(price),
		Size:  decimal.NewFromInt(size),
	}
}

func drain(q *queue) []uint64 {
	var seqs []uint64
	for {
		ord := q.peekHeadOrder()
		if ord == nil {
			return seqs
		}
		seqs = append(seqs, ord.ID.Seq)
		q.removeOrder(ord.ID)
	}
}

func TestBuyerQueue(t *testing.T) {
	q := NewBuyerQueue()

	q.insertOrder(newQueueOrder(101, 10, 1))
	q.insertOrder(newQueueOrder(201, 20, 10))
	q.insertOrder(newQueueOrder(301, 30, 10))
	q.insertOrder(newQueueOrder(202, 20, 100))

	assert.Equal(t, int64(4), q.orderCount())
	assert.Equal(t, int64(3), q.depthCount())

	price, ok := q.bestPrice()
	assert.True(t, ok)
	assert.Equal(t, "30", price.String())

	assert.Equal(t, []uint64{301, 201, 202, 101}, drain(q))
	assert.Equal(t, int64(0), q.orderCount())
	assert.Equal(t, int64(0), q.depthCount())

	_, ok = q.bestPrice()
	assert.False(t, ok)
}

func TestSellerQueue(t *testing.T) {
	q := NewSellerQueue()

	q.insertOrder(newQueueOrder(101, 10, 1))
	q.insertOrder(newQueueOrder(201, 20, 10))
	q.insertOrder(newQueueOrder(301, 30, 10))
	q.insertOrder(newQueueOrder(202, 20, 100))

	price, ok := q.bestPrice()
	assert.True(t, ok)
	assert.Equal(t, "10", price.String())

	assert.Equal(t, []uint64{101, 201, 202, 301}, drain(q))
}

func TestQueueReduceKeepsPriority(t *testing.T) {
	q := NewSellerQueue()
	q.insertOrder(newQueueOrder(1, 20, 10))
	q.insertOrder(newQueueOrder(2, 20, 5))

	q.reduceOrder(OrderID{MarketID: "WBTC-USDC", Seq: 1}, decimal.NewFromInt(8))

	head := q.peekHeadOrder()
	require.NotNil(t, head)
	assert.Equal(t, uint64(1), head.ID.Seq)
	assert.Equal(t, "2", head.Size.String())

	levels := q.depth(10)
	require.Len(t, levels, 1)
	assert.Equal(t, "7", levels[0].Size.String())
	assert.Equal(t, int64(2), levels[0].Count)
}

func TestQueueRemove(t *testing.T) {
	q := NewBuyerQueue()
	q.insertOrder(newQueueOrder(1, 20, 1))
	q.insertOrder(newQueueOrder(2, 20, 2))
	q.insertOrder(newQueueOrder(3, 20, 3))

	t.Run("middle of level", func(t *testing.T) {
		removed := q.removeOrder(OrderID{MarketID: "WBTC-USDC", Seq: 2})
		require.NotNil(t, removed)
		assert.Equal(t, uint64(2), removed.ID.Seq)
		assert.Nil(t, q.order(removed.ID))

		levels := q.depth(10)
		require.Len(t, levels, 1)
		assert.Equal(t, "4", levels[0].Size.String())
		assert.Equal(t, int64(2), levels[0].Count)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.Nil(t, q.removeOrder(OrderID{MarketID: "WBTC-USDC", Seq: 99}))
	})

	t.Run("last order drops the level", func(t *testing.T) {
		assert.Equal(t, []uint64{1, 3}, drain(q))
		assert.Equal(t, int64(0), q.depthCount())
	})
}

func TestQueueEquivalentPrices(t *testing.T) {
	q := NewSellerQueue()
	q.insertOrder(&Order{ID: OrderID{MarketID: "WBTC-USDC", Seq: 1}, Price: decimal.RequireFromString("100.0"), Size: decimal.NewFromInt(1)})
	q.insertOrder(&Order{ID: OrderID{MarketID: "WBTC-USDC", Seq: 2}, Price: decimal.RequireFromString("100"), Size: decimal.NewFromInt(1)})

	assert.Equal(t, int64(1), q.depthCount())
	assert.Equal(t, []uint64{1, 2}, drain(q))
}

func TestQueueDepthAndSnapshot(t *testing.T) {
	q := NewBuyerQueue()
	q.insertOrder(newQueueOrder(1, 10, 1))
	q.insertOrder(newQueueOrder(2, 30, 2))
	q.insertOrder(newQueueOrder(3, 20, 3))
	q.insertOrder(newQueueOrder(4, 30, 4))

	levels := q.depth(2)
	require.Len(t, levels, 2)
	assert.Equal(t, "30", levels[0].Price.String())
	assert.Equal(t, "6", levels[0].Size.String())
	assert.Equal(t, "20", levels[1].Price.String())

	snap := q.toSnapshot()
	require.Len(t, snap, 4)
	seqs := make([]uint64, 0, len(snap))
	for _, o := range snap {
		seqs = append(seqs, o.ID.Seq)
		assert.Nil(t, o.next)
		assert.Nil(t, o.prev)
	}
	assert.Equal(t, []uint64{2, 4, 3, 1}, seqs)
}
