package bufferpool

import "container/list"

// policy selects an eviction victim among resident, unpinned frames.
// Implementations are not safe for concurrent use; the pool serializes
// access to them under its own mutex.
type policy interface {
	add(id uint32)
	touch(id uint32)
	remove(id uint32)
	// victim returns a resident page id for which pinned(id) is false, or
	// ok=false if every resident frame is pinned.
	victim(pinned func(id uint32) bool) (id uint32, ok bool)
}

// lruPolicy evicts the least-recently-touched frame, grounded on the
// other_examples buffer pool's doubly-linked-list recency list.
type lruPolicy struct {
	l     *list.List
	elems map[uint32]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{l: list.New(), elems: make(map[uint32]*list.Element)}
}

func (p *lruPolicy) add(id uint32) {
	p.elems[id] = p.l.PushFront(id)
}

func (p *lruPolicy) touch(id uint32) {
	if el, ok := p.elems[id]; ok {
		p.l.MoveToFront(el)
	}
}

func (p *lruPolicy) remove(id uint32) {
	if el, ok := p.elems[id]; ok {
		p.l.Remove(el)
		delete(p.elems, id)
	}
}

func (p *lruPolicy) victim(pinned func(id uint32) bool) (uint32, bool) {
	for el := p.l.Back(); el != nil; el = el.Prev() {
		id := el.Value.(uint32)
		if !pinned(id) {
			return id, true
		}
	}
	return 0, false
}

// clockPolicy is the second-chance approximation of LRU: a circular scan
// over resident frames, each carrying a reference bit set on touch and
// cleared as the hand passes it.
type clockPolicy struct {
	order []uint32
	index map[uint32]int
	ref   map[uint32]bool
	hand  int
}

func newClockPolicy() *clockPolicy {
	return &clockPolicy{index: make(map[uint32]int), ref: make(map[uint32]bool)}
}

func (p *clockPolicy) add(id uint32) {
	p.index[id] = len(p.order)
	p.order = append(p.order, id)
	p.ref[id] = true
}

func (p *clockPolicy) touch(id uint32) {
	p.ref[id] = true
}

func (p *clockPolicy) remove(id uint32) {
	i, ok := p.index[id]
	if !ok {
		return
	}
	last := len(p.order) - 1
	p.order[i] = p.order[last]
	p.index[p.order[i]] = i
	p.order = p.order[:last]
	delete(p.index, id)
	delete(p.ref, id)
	if p.hand >= last {
		p.hand = 0
	}
}

func (p *clockPolicy) victim(pinned func(id uint32) bool) (uint32, bool) {
	n := len(p.order)
	if n == 0 {
		return 0, false
	}
	for scanned := 0; scanned < 2*n; scanned++ {
		id := p.order[p.hand]
		p.hand = (p.hand + 1) % n
		if pinned(id) {
			continue
		}
		if p.ref[id] {
			p.ref[id] = false
			continue
		}
		return id, true
	}
	return 0, false
}
