// Package btree (continued): Tree is the principal index itself, wired
// to the buffer pool for page access and to the WAL manager for
// physical before/after-image logging of every mutation.
//
// Grounded on the teacher's treeInsert/treeDelete recursion shape and
// its nodeSplit2/leafInsert/nodeMerge helpers, but redesigned from a
// copy-on-write, in-memory-pointer tree (SetCallbacks(getFunc, newFunc,
// delFunc) over a caller-owned page store) to one addressed entirely by
// pager/buffer-pool page ids, so every mutated page can be captured as
// a whole-page before/after image for pkg/wal — a deliberate
// simplification over byte-range diffs (see DESIGN.md).
package btree

import (
	"fmt"
	"sync"

	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/bufferpool"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/coredbio/coredb/pkg/pager"
	"github.com/coredbio/coredb/pkg/wal"
)

// Tree is an order-based B+Tree with leaf-linked range scans. All
// mutations flow through the WAL manager before touching a page, and
// all page access flows through the buffer pool rather than the pager
// directly, so normal B+Tree traffic benefits from pinning and the
// pool's eviction policy.
type Tree struct {
	pool  *bufferpool.Pool
	wal   *wal.Manager
	pager *pager.Pager

	bodySize int
	order    int

	mu         sync.RWMutex
	rootPageID uint32
}

// Open wraps an existing tree whose root page id was previously
// persisted by the caller (the engine keeps it in its own meta page).
// A rootPageID of zero means an empty tree; the first Insert allocates
// the first leaf. order caps the number of entries a node may hold
// (spec.md §3/§6's btree_order), applied alongside the byte-size fit
// check so a node never exceeds either bound.
func Open(pool *bufferpool.Pool, wm *wal.Manager, pgr *pager.Pager, pageSize, order int, rootPageID uint32) *Tree {
	return &Tree{
		pool:       pool,
		wal:        wm,
		pager:      pgr,
		bodySize:   pageSize - page.HeaderSize,
		order:      order,
		rootPageID: rootPageID,
	}
}

// RootPageID returns the tree's current root page id (0 for an empty
// tree), for the caller to persist.
func (t *Tree) RootPageID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

// maxEntryBytes is the largest key+value pair that can ever occupy a
// leaf, even as the sole entry on an otherwise empty page.
func (t *Tree) maxEntryBytes() int {
	return t.bodySize - nodeHeaderSize - ptrSize - 2 - 4
}

// writePage logs the page's whole before/after image through the WAL
// manager, then installs the after image and marks the handle dirty.
// after may be shorter than bodySize; the remainder is zero-padded so
// every logged image has a uniform length (offset is always 0 for
// B+Tree pages).
func (t *Tree) writePage(txnID uint64, h *bufferpool.Handle, after BNode) error {
	pg := h.Page()
	before := append([]byte(nil), pg.Body()[:t.bodySize]...)
	padded := make([]byte, t.bodySize)
	copy(padded, after)

	lsn, err := t.wal.LogUpdate(txnID, pg.ID(), 0, before, padded)
	if err != nil {
		h.Unpin(false)
		return err
	}
	copy(pg.Body(), padded)
	pg.SetLSN(lsn)
	h.Unpin(true)
	return nil
}

// Get looks up key, descending from the root through internal nodes to
// the owning leaf.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == 0 {
		return nil, false, nil
	}
	pageID := t.rootPageID
	for {
		h, err := t.pool.FetchPage(pageID)
		if err != nil {
			return nil, false, err
		}
		node := BNode(h.Page().Body()[:t.bodySize])
		if node.isLeaf() {
			idx, ok := lookupExact(node, key)
			if !ok {
				h.Unpin(false)
				return nil, false, nil
			}
			val := append([]byte(nil), node.getVal(idx)...)
			h.Unpin(false)
			return val, true, nil
		}
		idx := lookupLE(node, key)
		childID := node.getPtr(idx)
		h.Unpin(false)
		pageID = childID
	}
}

// Insert adds key/val, rejecting an already-present key with
// storageerr.ErrDuplicateKey and an oversized pair with
// storageerr.ErrEntryTooLarge.
func (t *Tree) Insert(txnID uint64, key, val []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", storageerr.ErrInvalidConfig)
	}
	if len(key)+len(val) > t.maxEntryBytes() {
		return storageerr.ErrEntryTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == 0 {
		pg, err := t.pager.AllocatePage(page.TypeBTreeLeaf)
		if err != nil {
			return err
		}
		h, err := t.pool.NewPage(pg)
		if err != nil {
			return err
		}
		full := BNode(make([]byte, t.bodySize))
		full.setHeader(typeLeaf, 1)
		appendKV(full, 0, 0, key, val)
		if err := t.writePage(txnID, h, full); err != nil {
			return err
		}
		t.rootPageID = pg.ID()
		return nil
	}

	sep, newID, split, err := t.insertInto(txnID, t.rootPageID, key, val)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}

	rootPg, err := t.pager.AllocatePage(page.TypeBTreeInternal)
	if err != nil {
		return err
	}
	rh, err := t.pool.NewPage(rootPg)
	if err != nil {
		return err
	}
	newRoot := BNode(make([]byte, t.bodySize))
	newRoot.setHeader(typeInternal, 2)
	appendKV(newRoot, 0, t.rootPageID, nil, nil)
	appendKV(newRoot, 1, newID, sep, nil)
	if err := t.writePage(txnID, rh, newRoot); err != nil {
		return err
	}
	t.rootPageID = rootPg.ID()
	return nil
}

// insertInto recursively descends to the leaf owning key, inserting it
// there, and propagates any split back up by returning the separator
// key and new right-sibling page id.
func (t *Tree) insertInto(txnID uint64, pageID uint32, key, val []byte) (sepKey []byte, newID uint32, split bool, err error) {
	h, err := t.pool.FetchPage(pageID)
	if err != nil {
		return nil, 0, false, err
	}
	node := BNode(h.Page().Body()[:t.bodySize])
	if node.isLeaf() {
		h.Unpin(false)
		return t.insertLeaf(txnID, pageID, key, val)
	}
	idx := lookupLE(node, key)
	childID := node.getPtr(idx)
	h.Unpin(false)

	childSep, childNewID, childSplit, err := t.insertInto(txnID, childID, key, val)
	if err != nil || !childSplit {
		return nil, 0, false, err
	}
	return t.insertInternal(txnID, pageID, idx, childSep, childNewID)
}

func (t *Tree) insertLeaf(txnID uint64, pageID uint32, key, val []byte) (sepKey []byte, newID uint32, split bool, err error) {
	h, err := t.pool.FetchPage(pageID)
	if err != nil {
		return nil, 0, false, err
	}
	node := BNode(h.Page().Body()[:t.bodySize])

	var insertAt uint16
	if node.nkeys() > 0 {
		idx := lookupLE(node, key)
		cmp := bytesCompare(node.getKey(idx), key)
		if cmp == 0 {
			h.Unpin(false)
			return nil, 0, false, fmt.Errorf("%w: %x", storageerr.ErrDuplicateKey, key)
		}
		insertAt = idx + 1
		if cmp > 0 {
			// key sorts before every key in the leaf (lookupLE falls back
			// to slot 0), so it goes first.
			insertAt = idx
		}
	}

	full := BNode(make([]byte, t.bodySize*2))
	full.setHeader(typeLeaf, node.nkeys()+1)
	full.setNextLeaf(node.nextLeaf())
	appendRange(full, node, 0, 0, insertAt)
	appendKV(full, insertAt, 0, key, val)
	appendRange(full, node, insertAt+1, insertAt, node.nkeys()-insertAt)

	if full.usedBytes() <= t.bodySize && int(full.nkeys()) <= t.order {
		if err := t.writePage(txnID, h, full); err != nil {
			return nil, 0, false, err
		}
		return nil, 0, false, nil
	}

	left, right, sep, err := splitNode(full, t.bodySize, t.order)
	if err != nil {
		h.Unpin(false)
		return nil, 0, false, err
	}
	rightPg, err := t.pager.AllocatePage(page.TypeBTreeLeaf)
	if err != nil {
		h.Unpin(false)
		return nil, 0, false, err
	}
	left.setNextLeaf(rightPg.ID())
	right.setNextLeaf(full.nextLeaf())

	if err := t.writePage(txnID, h, left); err != nil {
		return nil, 0, false, err
	}
	rh, err := t.pool.NewPage(rightPg)
	if err != nil {
		return nil, 0, false, err
	}
	if err := t.writePage(txnID, rh, right); err != nil {
		return nil, 0, false, err
	}
	return sep, rightPg.ID(), true, nil
}

// insertInternal splices (sepKey, newChildID) into the internal node at
// pageID just after its idx'th entry.
func (t *Tree) insertInternal(txnID uint64, pageID uint32, idx uint16, sepKey []byte, newChildID uint32) (outSep []byte, newID uint32, split bool, err error) {
	h, err := t.pool.FetchPage(pageID)
	if err != nil {
		return nil, 0, false, err
	}
	node := BNode(h.Page().Body()[:t.bodySize])

	full := BNode(make([]byte, t.bodySize*2))
	full.setHeader(typeInternal, node.nkeys()+1)
	appendRange(full, node, 0, 0, idx+1)
	appendKV(full, idx+1, newChildID, sepKey, nil)
	appendRange(full, node, idx+2, idx+1, node.nkeys()-idx-1)

	if full.usedBytes() <= t.bodySize && int(full.nkeys()) <= t.order {
		if err := t.writePage(txnID, h, full); err != nil {
			return nil, 0, false, err
		}
		return nil, 0, false, nil
	}

	left, right, sep, err := splitNode(full, t.bodySize, t.order)
	if err != nil {
		h.Unpin(false)
		return nil, 0, false, err
	}
	rightPg, err := t.pager.AllocatePage(page.TypeBTreeInternal)
	if err != nil {
		h.Unpin(false)
		return nil, 0, false, err
	}
	if err := t.writePage(txnID, h, left); err != nil {
		return nil, 0, false, err
	}
	rh, err := t.pool.NewPage(rightPg)
	if err != nil {
		return nil, 0, false, err
	}
	if err := t.writePage(txnID, rh, right); err != nil {
		return nil, 0, false, err
	}
	return sep, rightPg.ID(), true, nil
}

// splitNode splits an oversized node built to hold one entry more than
// fits in a page (or more than order entries) into a left half that
// reuses the original page and a right half bound for a freshly
// allocated one, mirroring nodeSplit2 with page-id pointers instead of
// in-memory ones. The split point honors whichever bound — byte size or
// order — binds tighter, so a small page size and spec.md's btree_order
// constant both cap fan-out.
func splitNode(full BNode, bodySize, order int) (left, right BNode, sep []byte, err error) {
	total := full.nkeys()
	maxLeft := uint16(order / 2)
	if maxLeft == 0 {
		maxLeft = 1
	}
	k := uint16(1)
	for k < total && k < maxLeft {
		try := BNode(make([]byte, bodySize*2))
		try.setHeader(full.btype(), k+1)
		appendRange(try, full, 0, 0, k+1)
		if try.usedBytes() > bodySize {
			break
		}
		k++
	}
	if k == 0 {
		return nil, nil, nil, storageerr.ErrEntryTooLarge
	}

	leftN := BNode(make([]byte, bodySize))
	leftN.setHeader(full.btype(), k)
	appendRange(leftN, full, 0, 0, k)
	if leftN.usedBytes() > bodySize {
		return nil, nil, nil, storageerr.ErrEntryTooLarge
	}

	rightCount := total - k
	rightN := BNode(make([]byte, bodySize))
	rightN.setHeader(full.btype(), rightCount)
	appendRange(rightN, full, 0, k, rightCount)
	if rightN.usedBytes() > bodySize {
		return nil, nil, nil, storageerr.ErrEntryTooLarge
	}

	return leftN, rightN, append([]byte(nil), full.getKey(k)...), nil
}

// Delete removes key, returning storageerr.ErrNotFound if it is absent.
//
// Underflow handling is intentionally simple: a leaf that becomes
// completely empty is spliced out of its parent and its page freed,
// unless it is its parent's only child, in which case it stays; a
// leaf that merely drops below a comfortable fill level is left as-is.
// The byte-threshold shouldMerge/nodeMerge sibling rebalancing this
// package's previous design used was not carried over (see DESIGN.md)
// — it does not affect correctness, only space amplification under
// heavy delete-skewed workloads.
func (t *Tree) Delete(txnID uint64, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootPageID == 0 {
		return storageerr.ErrNotFound
	}

	removed, err := t.deleteFrom(txnID, t.rootPageID, key)
	if err != nil {
		return err
	}
	if !removed {
		return storageerr.ErrNotFound
	}

	h, err := t.pool.FetchPage(t.rootPageID)
	if err != nil {
		return err
	}
	node := BNode(h.Page().Body()[:t.bodySize])
	if !node.isLeaf() && node.nkeys() == 1 {
		onlyChild := node.getPtr(0)
		oldRoot := t.rootPageID
		h.Unpin(false)
		t.pager.FreePage(oldRoot)
		t.rootPageID = onlyChild
		return nil
	}
	h.Unpin(false)
	return nil
}

func (t *Tree) deleteFrom(txnID uint64, pageID uint32, key []byte) (bool, error) {
	h, err := t.pool.FetchPage(pageID)
	if err != nil {
		return false, err
	}
	node := BNode(h.Page().Body()[:t.bodySize])

	if node.isLeaf() {
		idx, ok := lookupExact(node, key)
		if !ok {
			h.Unpin(false)
			return false, nil
		}
		newNode := BNode(make([]byte, t.bodySize))
		newNode.setHeader(typeLeaf, node.nkeys()-1)
		newNode.setNextLeaf(node.nextLeaf())
		appendRange(newNode, node, 0, 0, idx)
		appendRange(newNode, node, idx, idx+1, node.nkeys()-idx-1)
		if err := t.writePage(txnID, h, newNode); err != nil {
			return false, err
		}
		return true, nil
	}

	idx := lookupLE(node, key)
	childID := node.getPtr(idx)
	h.Unpin(false)

	removed, err := t.deleteFrom(txnID, childID, key)
	if err != nil || !removed {
		return removed, err
	}

	return true, t.collapseIfEmpty(txnID, pageID, idx, childID)
}

// collapseIfEmpty splices a now-empty child out of its parent at idx,
// freeing the child's page and, if it was a leaf, repairing the
// predecessor leaf's forward link.
func (t *Tree) collapseIfEmpty(txnID uint64, parentID uint32, idx uint16, childID uint32) error {
	ch, err := t.pool.FetchPage(childID)
	if err != nil {
		return err
	}
	childNode := BNode(ch.Page().Body()[:t.bodySize])
	empty := childNode.nkeys() == 0
	isLeafChild := childNode.isLeaf()
	childNextLeaf := childNode.nextLeaf()
	ch.Unpin(false)

	h, err := t.pool.FetchPage(parentID)
	if err != nil {
		return err
	}
	parent := BNode(h.Page().Body()[:t.bodySize])
	if !empty || parent.nkeys() <= 1 {
		h.Unpin(false)
		return nil
	}

	newParent := BNode(make([]byte, t.bodySize))
	newParent.setHeader(typeInternal, parent.nkeys()-1)
	appendRange(newParent, parent, 0, 0, idx)
	appendRange(newParent, parent, idx, idx+1, parent.nkeys()-idx-1)
	if err := t.writePage(txnID, h, newParent); err != nil {
		return err
	}

	if isLeafChild {
		if err := t.relinkPredecessor(txnID, childID, childNextLeaf); err != nil {
			return err
		}
	}
	t.pager.FreePage(childID)
	return nil
}

// relinkPredecessor repoints whichever leaf's nextLeaf pointer still
// targets removedChildID past the removed leaf. It finds that leaf by
// walking the leaf chain from the tree's leftmost leaf rather than by
// consulting the removed leaf's immediate parent, so it also covers the
// case where the true predecessor lives in a different subtree (the
// removed leaf was its parent's first child). A removedChildID that was
// itself the globally leftmost leaf has no predecessor to fix.
func (t *Tree) relinkPredecessor(txnID uint64, removedChildID, removedNext uint32) error {
	if t.rootPageID == 0 {
		return nil
	}
	leafID, err := t.leftmostLeaf(t.rootPageID)
	if err != nil {
		return err
	}
	for leafID != 0 && leafID != removedChildID {
		h, err := t.pool.FetchPage(leafID)
		if err != nil {
			return err
		}
		node := BNode(h.Page().Body()[:t.bodySize])
		next := node.nextLeaf()
		if next != removedChildID {
			h.Unpin(false)
			leafID = next
			continue
		}
		newLeaf := BNode(make([]byte, t.bodySize))
		newLeaf.setHeader(typeLeaf, node.nkeys())
		newLeaf.setNextLeaf(removedNext)
		appendRange(newLeaf, node, 0, 0, node.nkeys())
		return t.writePage(txnID, h, newLeaf)
	}
	return nil
}

// leftmostLeaf descends via each node's first pointer until it reaches
// the tree's leftmost leaf page.
func (t *Tree) leftmostLeaf(pageID uint32) (uint32, error) {
	for {
		h, err := t.pool.FetchPage(pageID)
		if err != nil {
			return 0, err
		}
		node := BNode(h.Page().Body()[:t.bodySize])
		if node.isLeaf() {
			h.Unpin(false)
			return pageID, nil
		}
		next := node.getPtr(0)
		h.Unpin(false)
		pageID = next
	}
}
