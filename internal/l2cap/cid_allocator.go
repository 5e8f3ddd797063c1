package l2cap

import "github.com/google/btree"

// CIDAllocator hands out the smallest free local channel id in the
// dynamic range under churn (spec §8: "a local cid, once allocated,
// is not returned by a later allocation until after the corresponding
// DisconnectionResponse is received"). The teacher's own allocator
// (handle.go's flat-slice handleRange) is a linear scan sized for a
// handful of long-lived LE connections; a BR/EDR host opening and
// closing many short-lived dynamic channels over a link's lifetime
// needs sub-linear allocate/release, hence the ordered tree.
type CIDAllocator struct {
	tree *btree.BTreeG[uint16]
}

func NewCIDAllocator() *CIDAllocator {
	return &CIDAllocator{
		tree: btree.NewG[uint16](32, func(a, b uint16) bool { return a < b }),
	}
}

// Allocate returns the smallest id >= DynamicCIDMin not currently
// held.
func (a *CIDAllocator) Allocate() uint16 {
	candidate := DynamicCIDMin
	a.tree.AscendGreaterOrEqual(DynamicCIDMin, func(item uint16) bool {
		if item != candidate {
			return false
		}
		candidate++
		return true
	})
	a.tree.ReplaceOrInsert(candidate)
	return candidate
}

// Release returns cid to the free pool.
func (a *CIDAllocator) Release(cid uint16) {
	a.tree.Delete(cid)
}
