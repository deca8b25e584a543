package match

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

type priceUnit struct {
	price     decimal.Decimal
	totalSize decimal.Decimal
	head      *Order
	tail      *Order
	count     int64
}

// queue is one side of a market. Price levels live in a skiplist ordered
// best-first; each level keeps its orders in a FIFO list by acceptance.
type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element // keyed by canonical price string
	orders      map[OrderID]*Order
}

// NewBuyerQueue creates a new queue for buy orders (bids).
// The orders are sorted by price in descending order (highest price first).
func NewBuyerQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return -d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[OrderID]*Order),
	}
}

// NewSellerQueue creates a new queue for sell orders (asks).
// The orders are sorted by price in ascending order (lowest price first).
func NewSellerQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)
			return d1.Cmp(d2)
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[OrderID]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id OrderID) *Order {
	return q.orders[id]
}

// insertOrder appends an order to the tail of its price level, creating the level if needed.
func (q *queue) insertOrder(order *Order) {
	key := order.Price.String()
	el, ok := q.priceList[key]
	if ok {
		unit, _ := el.Value.(*priceUnit)
		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}

		unit.totalSize = unit.totalSize.Add(order.Size)
		unit.count++
		q.orders[order.ID] = order
		q.totalOrders++
		return
	}

	unit := &priceUnit{
		price:     order.Price,
		head:      order,
		tail:      order,
		totalSize: order.Size,
		count:     1,
	}
	order.next = nil
	order.prev = nil

	q.orders[order.ID] = order
	q.priceList[key] = q.depthList.Set(order.Price, unit)
	q.totalOrders++
	q.depths++
}

// removeOrder unlinks an order and drops its price level once it is empty.
// It returns the removed order, or nil if the id is not resting in this queue.
func (q *queue) removeOrder(id OrderID) *Order {
	order, ok := q.orders[id]
	if !ok {
		return nil
	}
	key := order.Price.String()
	skipElement, ok := q.priceList[key]
	if !ok {
		return nil
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalSize = unit.totalSize.Sub(order.Size)
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceList, key)
		q.depths--
	}
	return order
}

// reduceOrder decrements the remaining size of a resting order in place,
// keeping its position in the FIFO.
func (q *queue) reduceOrder(id OrderID, filled decimal.Decimal) {
	order, ok := q.orders[id]
	if !ok {
		return
	}

	if el, ok := q.priceList[order.Price.String()]; ok {
		unit, _ := el.Value.(*priceUnit)
		unit.totalSize = unit.totalSize.Sub(filled)
	}
	order.Size = order.Size.Sub(filled)
}

// peekHeadOrder returns the order at the front of the queue (best price) without removing it.
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// bestPrice returns the best level's price, or false when the side is empty.
func (q *queue) bestPrice() (decimal.Decimal, bool) {
	el := q.depthList.Front()
	if el == nil {
		return decimal.Zero, false
	}
	unit, _ := el.Value.(*priceUnit)
	return unit.price, true
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// toSnapshot serializes the queue into a slice of Order structs.
// It iterates through the skip list (price levels) and then the linked list (orders) to preserve priority.
func (q *queue) toSnapshot() []Order {
	snapshots := make([]Order, 0, q.totalOrders)

	elem := q.depthList.Front()
	for elem != nil {
		unit := elem.Value.(*priceUnit)

		order := unit.head
		for order != nil {
			snap := *order
			snap.next = nil
			snap.prev = nil
			snapshots = append(snapshots, snap)
			order = order.next
		}

		elem = elem.Next()
	}

	return snapshots
}

// depth returns the order book depth up to the specified limit.
func (q *queue) depth(limit uint32) []*DepthItem {
	result := make([]*DepthItem, 0, limit)

	el := q.depthList.Front()

	var i uint32 = 0
	for i < limit && el != nil {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, &DepthItem{
			ID:    i,
			Price: unit.price,
			Size:  unit.totalSize,
			Count: unit.count,
		})

		el = el.Next()
		i++
	}

	return result
}
