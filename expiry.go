package match

import "github.com/tidwall/btree"

type expiryItem struct {
	at  int64
	seq uint64
}

// expiryIndex orders resting GTT orders by expiry time so a sweep only
// touches orders that are actually due.
type expiryIndex struct {
	tree *btree.BTreeG[expiryItem]
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{
		tree: btree.NewBTreeG(func(a, b expiryItem) bool {
			if a.at != b.at {
				return a.at < b.at
			}
			return a.seq < b.seq
		}),
	}
}

func (x *expiryIndex) add(order *Order) {
	if order.TimeInForce != GTT || order.ExpiresAt <= 0 {
		return
	}
	x.tree.Set(expiryItem{at: order.ExpiresAt, seq: order.ID.Seq})
}

func (x *expiryIndex) remove(order *Order) {
	if order.TimeInForce != GTT || order.ExpiresAt <= 0 {
		return
	}
	x.tree.Delete(expiryItem{at: order.ExpiresAt, seq: order.ID.Seq})
}

// due returns the sequence numbers of orders expiring at or before now, oldest first.
func (x *expiryIndex) due(now int64) []uint64 {
	var seqs []uint64
	x.tree.Scan(func(item expiryItem) bool {
		if item.at > now {
			return false
		}
		seqs = append(seqs, item.seq)
		return true
	})
	return seqs
}

func (x *expiryIndex) len() int {
	return x.tree.Len()
}
