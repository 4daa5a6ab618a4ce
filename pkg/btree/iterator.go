// Package btree (continued): range scans walk the leaf-linked list
// directly instead of backtracking up a path stack, since every leaf
// already carries its right sibling's page id.
//
// Grounded on the teacher's SeekLE/Next/Scan iterator shape, simplified: the
// page-id redesign's nextLeaf field turns the previous path-stack
// backtracking walk into a flat linked-list walk.
package btree

import "github.com/coredbio/coredb/pkg/bufferpool"

// Iterator yields key/value pairs in ascending key order starting at or
// after a seek key, following leaf links until it passes hi (or runs
// off the end of the tree, for an open-ended scan).
type Iterator struct {
	pool        *bufferpool.Pool
	bodySize    int
	hi          []byte
	hiInclusive bool

	pageID uint32 // 0 once exhausted
	idx    uint16
}

// RangeScan returns an iterator starting at the first key >= lo (or the
// first key overall if lo is nil), stopping at hi: strictly before hi if
// hiInclusive is false, at or before hi if true. hi == nil means no
// upper bound.
func (t *Tree) RangeScan(lo, hi []byte, hiInclusive bool) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it := &Iterator{pool: t.pool, bodySize: t.bodySize, hi: hi, hiInclusive: hiInclusive}
	if t.rootPageID == 0 {
		return it, nil
	}

	pageID := t.rootPageID
	var idx uint16
	for {
		h, err := t.pool.FetchPage(pageID)
		if err != nil {
			return nil, err
		}
		node := BNode(h.Page().Body()[:t.bodySize])
		if node.isLeaf() {
			if lo == nil {
				idx = 0
			} else {
				idx = firstGE(node, lo)
			}
			h.Unpin(false)
			break
		}
		if lo == nil {
			idx = 0
		} else {
			idx = lookupLE(node, lo)
		}
		childID := node.getPtr(idx)
		h.Unpin(false)
		pageID = childID
	}

	it.pageID = pageID
	it.idx = idx
	it.advancePastEnd()
	return it, nil
}

// firstGE returns the index of the first key >= target in a leaf.
func firstGE(n BNode, target []byte) uint16 {
	nkeys := n.nkeys()
	for i := uint16(0); i < nkeys; i++ {
		if bytesCompare(n.getKey(i), target) >= 0 {
			return i
		}
	}
	return nkeys
}

// Next reports the current key/value and advances. Returns ok=false
// once the scan is exhausted.
func (it *Iterator) Next() (key, val []byte, ok bool, err error) {
	if it.pageID == 0 {
		return nil, nil, false, nil
	}
	h, err := it.pool.FetchPage(it.pageID)
	if err != nil {
		return nil, nil, false, err
	}
	node := BNode(h.Page().Body()[:it.bodySize])
	key = append([]byte(nil), node.getKey(it.idx)...)
	val = append([]byte(nil), node.getVal(it.idx)...)
	next := node.nextLeaf()
	nkeys := node.nkeys()
	h.Unpin(false)

	it.idx++
	if it.idx >= nkeys {
		it.pageID = next
		it.idx = 0
	}
	it.advancePastEnd()
	return key, val, true, nil
}

// advancePastEnd clears pageID once the cursor has moved past hi, or
// past an empty leaf run at the tail of the chain.
func (it *Iterator) advancePastEnd() {
	for it.pageID != 0 {
		h, err := it.pool.FetchPage(it.pageID)
		if err != nil {
			it.pageID = 0
			return
		}
		node := BNode(h.Page().Body()[:it.bodySize])
		nkeys := node.nkeys()
		if it.idx < nkeys {
			k := node.getKey(it.idx)
			if it.hi != nil {
				cmp := bytesCompare(k, it.hi)
				if cmp > 0 || (cmp == 0 && !it.hiInclusive) {
					h.Unpin(false)
					it.pageID = 0
					return
				}
			}
			h.Unpin(false)
			return
		}
		next := node.nextLeaf()
		h.Unpin(false)
		it.pageID = next
		it.idx = 0
	}
}
