package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/page"
)

// Page-0 metadata body layout: nextPageID(4) | freeListHead(4) | freeListCount(8).
const (
	metaOffNext      = 0
	metaOffFreeHead  = 4
	metaOffFreeCount = 8
)

func putMeta(meta *page.Page, next, freeHead uint32, freeCount uint64) {
	b := meta.Body()
	binary.LittleEndian.PutUint32(b[metaOffNext:], next)
	binary.LittleEndian.PutUint32(b[metaOffFreeHead:], freeHead)
	binary.LittleEndian.PutUint64(b[metaOffFreeCount:], freeCount)
	meta.SetDataLen(uint16(metaOffFreeCount + 8))
}

func getMeta(meta *page.Page) (next, freeHead uint32, freeCount uint64) {
	b := meta.Body()
	next = binary.LittleEndian.Uint32(b[metaOffNext:])
	freeHead = binary.LittleEndian.Uint32(b[metaOffFreeHead:])
	freeCount = binary.LittleEndian.Uint64(b[metaOffFreeCount:])
	return
}

// Free-list page body layout: next(4) | count(4) | ids[]... (unrolled,
// grounded on pkg/storage/freelist.go's linked list of id batches, adapted
// from COW-allocated nodes to in-place pages rewritten wholesale on Flush).
const (
	flOffNext  = 0
	flOffCount = 4
	flOffIDs   = 8
)

func (p *Pager) idsPerFreeListPage() int {
	return (p.pageSize - page.HeaderSize - flOffIDs) / 4
}

// loadFreeList walks the free-list page chain starting at head and returns
// every id it holds, plus the chain's own page ids (so Flush can reuse them
// instead of leaking a fresh chain on every call). count is the total id
// count recorded in page 0, carried only as a sanity hint.
func (p *Pager) loadFreeList(head uint32, count uint64) (ids []uint32, chain []uint32, err error) {
	ids = make([]uint32, 0, count)
	next := head
	seen := map[uint32]bool{}
	for next != 0 {
		if seen[next] {
			return nil, nil, fmt.Errorf("%w: free-list chain cycles at page %d", storageerr.ErrCorrupt, next)
		}
		seen[next] = true
		chain = append(chain, next)

		pg, err := p.rawRead(next)
		if err != nil {
			return nil, nil, err
		}
		if pg.Type() != page.TypeFreeList {
			return nil, nil, fmt.Errorf("%w: page %d is not a free-list page", storageerr.ErrCorrupt, next)
		}
		b := pg.Body()
		n := binary.LittleEndian.Uint32(b[flOffCount:])
		for i := uint32(0); i < n; i++ {
			off := flOffIDs + int(i)*4
			ids = append(ids, binary.LittleEndian.Uint32(b[off:]))
		}
		next = binary.LittleEndian.Uint32(b[flOffNext:])
	}
	return ids, chain, nil
}

// storeFreeList rewrites the free-list chain to hold exactly ids. It first
// reuses page ids from reuse (the previous chain, in order) and only
// allocates fresh ones if ids needs a longer chain than before; any reuse
// pages left unneeded become leftover for the caller to free. It returns
// the new chain head, the total id count, the new chain's page ids, and
// any leftover page ids no longer part of the chain.
func (p *Pager) storeFreeList(ids []uint32, reuse []uint32) (head uint32, count uint64, chain []uint32, leftover []uint32, err error) {
	perPage := p.idsPerFreeListPage()
	if len(ids) == 0 {
		return 0, 0, nil, reuse, nil
	}

	nPages := (len(ids) + perPage - 1) / perPage
	chainIDs := make([]uint32, nPages)
	for i := 0; i < nPages; i++ {
		if i < len(reuse) {
			chainIDs[i] = reuse[i]
			continue
		}
		p.mu.Lock()
		id := p.nextPageID
		p.nextPageID++
		p.mu.Unlock()
		chainIDs[i] = id
	}
	if nPages < len(reuse) {
		leftover = append(leftover, reuse[nPages:]...)
	}

	for i := 0; i < nPages; i++ {
		lo := i * perPage
		hi := lo + perPage
		if hi > len(ids) {
			hi = len(ids)
		}
		batch := ids[lo:hi]

		pg := page.New(chainIDs[i], page.TypeFreeList, p.pageSize)
		b := pg.Body()
		nextID := uint32(0)
		if i+1 < nPages {
			nextID = chainIDs[i+1]
		}
		binary.LittleEndian.PutUint32(b[flOffNext:], nextID)
		binary.LittleEndian.PutUint32(b[flOffCount:], uint32(len(batch)))
		for j, id := range batch {
			binary.LittleEndian.PutUint32(b[flOffIDs+j*4:], id)
		}
		pg.SetDataLen(uint16(flOffIDs + len(batch)*4))
		pg.Checksum()
		if err := p.rawWrite(pg); err != nil {
			return 0, 0, nil, nil, err
		}
	}

	return chainIDs[0], uint64(len(ids)), chainIDs, leftover, nil
}
