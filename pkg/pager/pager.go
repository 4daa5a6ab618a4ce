// Package pager implements the paged file store (spec.md §4.1, component
// C1): a single fixed-page-size file with checksummed pages, a persisted
// free list, and a small LRU cache that dampens OS page-cache misses during
// startup and recovery. It does not replace the buffer pool (pkg/bufferpool)
// — callers above it are expected to pin pages in a buffer pool for
// anything beyond a handful of accesses.
//
// Grounded on pkg/storage/kv.go's two-phase fsync update discipline and
// pkg/storage/freelist.go's free-list bookkeeping, generalized from the
// teacher's mmap+copy-on-write model to explicit positional reads/writes
// via golang.org/x/sys/unix, with the page header/checksum format of
// pkg/page.
package pager

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/page"
	"golang.org/x/sys/unix"
)

// metaPageID is the pager's reserved metadata root (spec.md §3, §9).
const metaPageID uint32 = 0

// Pager allocates, frees, reads, and writes fixed-size pages on one file.
type Pager struct {
	file     *os.File
	pageSize int
	sync     config.PagerSyncMode
	metrics  *metrics.Metrics

	mu         sync.RWMutex // guards nextPageID, freeIDs, and the LRU cache
	nextPageID uint32        // high-water mark; next id to extend the file with
	freeIDs    []uint32      // in-memory free list, persisted lazily on Flush

	cache     map[uint32]*page.Page
	lru       *list.List
	lruElems  map[uint32]*list.Element
	cacheSize int

	latches   map[uint32]*sync.Mutex // per-page write latches
	latchesMu sync.Mutex

	flChainIDs []uint32 // free-list page ids from the last load/store, reused on the next Flush

	closed bool
}

// Open creates the page file if absent, or validates and loads an
// existing one. An existing file with a bad magic/CRC/version on page 0
// fails with storageerr.ErrCorrupt.
func Open(path string, pageSize, cacheSize int, syncMode config.PagerSyncMode, m *metrics.Metrics) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open page file: %v", storageerr.ErrIo, err)
	}

	p := &Pager{
		file:      f,
		pageSize:  pageSize,
		sync:      syncMode,
		metrics:   m,
		cache:     make(map[uint32]*page.Page),
		lru:       list.New(),
		lruElems:  make(map[uint32]*list.Element),
		cacheSize: cacheSize,
		latches:   make(map[uint32]*sync.Mutex),
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat page file: %v", storageerr.ErrIo, err)
	}

	if stat.Size() == 0 {
		if err := p.initFresh(); err != nil {
			f.Close()
			return nil, err
		}
		return p, nil
	}

	if err := p.loadMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pager) initFresh() error {
	meta := page.New(metaPageID, page.TypeMeta, p.pageSize)
	putMeta(meta, 1 /* nextPageID: page 0 is taken */, 0, 0)
	meta.Checksum()
	if err := p.rawWrite(meta); err != nil {
		return err
	}
	if err := p.syncFile(); err != nil {
		return err
	}
	p.nextPageID = 1
	return nil
}

func (p *Pager) loadMeta() error {
	meta, err := p.rawRead(metaPageID)
	if err != nil {
		return err
	}
	if !meta.Verify() {
		return fmt.Errorf("%w: page 0 metadata failed verification", storageerr.ErrCorrupt)
	}
	next, freeHead, freeCount := getMeta(meta)
	p.nextPageID = next
	ids, chain, err := p.loadFreeList(freeHead, freeCount)
	if err != nil {
		return err
	}
	p.freeIDs = ids
	p.flChainIDs = chain
	return nil
}

// AllocatePage reuses a free-list id if one exists, otherwise extends the
// file by one page. Durability of the free-list/high-water-mark change is
// deferred to Flush — a crash before the next Flush only leaks page ids,
// never corrupts data (spec.md §4.1).
func (p *Pager) AllocatePage(typ page.Type) (*page.Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, storageerr.ErrClosed
	}
	var id uint32
	if n := len(p.freeIDs); n > 0 {
		id = p.freeIDs[n-1]
		p.freeIDs = p.freeIDs[:n-1]
	} else {
		id = p.nextPageID
		p.nextPageID++
	}
	p.mu.Unlock()

	pg := page.New(id, typ, p.pageSize)
	p.cachePut(pg)
	return pg, nil
}

// FreePage appends id to the in-memory free list; it becomes durable on
// the next Flush.
func (p *Pager) FreePage(id uint32) {
	p.mu.Lock()
	p.freeIDs = append(p.freeIDs, id)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PagerFreeListSize.Set(float64(len(p.freeIDs)))
	}

	p.mu.Lock()
	delete(p.cache, id)
	if el, ok := p.lruElems[id]; ok {
		p.lru.Remove(el)
		delete(p.lruElems, id)
	}
	p.mu.Unlock()
}

// ReadPage serves the page from the pager's cache if resident, else issues
// one pread. The CRC is verified on every disk read.
func (p *Pager) ReadPage(id uint32) (*page.Page, error) {
	p.mu.RLock()
	if pg, ok := p.cache[id]; ok {
		p.mu.RUnlock()
		p.mu.Lock()
		if el, ok := p.lruElems[id]; ok {
			p.lru.MoveToFront(el)
		}
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PagerCacheHits.Inc()
		}
		return pg, nil
	}
	p.mu.RUnlock()

	if p.metrics != nil {
		p.metrics.PagerCacheMisses.Inc()
	}
	pg, err := p.rawRead(id)
	if err != nil {
		return nil, err
	}
	p.cachePut(pg)
	return pg, nil
}

// WritePage installs the page's latest contents. Persistence follows the
// configured sync mode: None defers to Flush, Commit/Always fsync
// according to the caller's force argument and the mode respectively.
func (p *Pager) WritePage(pg *page.Page, force bool) error {
	id := pg.ID()
	latch := p.pageLatch(id)
	latch.Lock()
	defer latch.Unlock()

	pg.Checksum()
	if err := p.rawWrite(pg); err != nil {
		return err
	}
	p.cachePut(pg)

	if p.sync == config.SyncAlways || (p.sync == config.SyncCommit && force) {
		return p.syncFile()
	}
	return nil
}

// Flush persists page-0 metadata (free list + high-water mark) and fsyncs
// the page file, per spec.md §4.1.
func (p *Pager) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return storageerr.ErrClosed
	}
	ids := append([]uint32(nil), p.freeIDs...)
	reuse := append([]uint32(nil), p.flChainIDs...)
	p.mu.Unlock()

	freeHead, freeCount, chain, leftover, err := p.storeFreeList(ids, reuse)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.flChainIDs = chain
	p.freeIDs = append(p.freeIDs, leftover...)
	// Read after storeFreeList, which may have extended the file with
	// fresh free-list chain pages.
	next := p.nextPageID
	p.mu.Unlock()

	meta := page.New(metaPageID, page.TypeMeta, p.pageSize)
	putMeta(meta, next, freeHead, freeCount)
	meta.Checksum()
	if err := p.rawWrite(meta); err != nil {
		return err
	}
	p.cachePut(meta)
	return p.syncFile()
}

// Close flushes metadata and releases the file descriptor. The in-memory
// frame/page state does not outlive the Pager instance (spec.md §9).
func (p *Pager) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.file.Close()
}

// PageSize returns the configured fixed page size.
func (p *Pager) PageSize() int { return p.pageSize }

func (p *Pager) pageLatch(id uint32) *sync.Mutex {
	p.latchesMu.Lock()
	defer p.latchesMu.Unlock()
	l, ok := p.latches[id]
	if !ok {
		l = &sync.Mutex{}
		p.latches[id] = l
	}
	return l
}

func (p *Pager) cachePut(pg *page.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cache[pg.ID()]; !ok && len(p.cache) >= p.cacheSize && p.cacheSize > 0 {
		p.evictLocked()
	}
	p.cache[pg.ID()] = pg
	if el, ok := p.lruElems[pg.ID()]; ok {
		p.lru.MoveToFront(el)
	} else {
		p.lruElems[pg.ID()] = p.lru.PushFront(pg.ID())
	}
}

func (p *Pager) evictLocked() {
	el := p.lru.Back()
	if el == nil {
		return
	}
	id := el.Value.(uint32)
	p.lru.Remove(el)
	delete(p.lruElems, id)
	delete(p.cache, id)
}

func (p *Pager) rawRead(id uint32) (*page.Page, error) {
	buf := make([]byte, p.pageSize)
	n, err := unix.Pread(int(p.file.Fd()), buf, int64(id)*int64(p.pageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: pread page %d: %v", storageerr.ErrIo, id, err)
	}
	if n != p.pageSize {
		return nil, fmt.Errorf("%w: short read on page %d", storageerr.ErrIo, id)
	}
	pg := page.Wrap(buf)
	if !pg.Verify() {
		return nil, fmt.Errorf("%w: page %d failed checksum verification", storageerr.ErrCorrupt, id)
	}
	if p.metrics != nil {
		p.metrics.PagerReadsTotal.Inc()
	}
	return pg, nil
}

func (p *Pager) rawWrite(pg *page.Page) error {
	n, err := unix.Pwrite(int(p.file.Fd()), pg.Bytes(), int64(pg.ID())*int64(p.pageSize))
	if err != nil {
		return fmt.Errorf("%w: pwrite page %d: %v", storageerr.ErrIo, pg.ID(), err)
	}
	if n != len(pg.Bytes()) {
		return fmt.Errorf("%w: short write on page %d", storageerr.ErrIo, pg.ID())
	}
	if p.metrics != nil {
		p.metrics.PagerWritesTotal.Inc()
		p.metrics.PagerBytesWritten.Add(float64(n))
	}
	return nil
}

func (p *Pager) syncFile() error {
	if err := unix.Fdatasync(int(p.file.Fd())); err != nil {
		return fmt.Errorf("%w: fdatasync: %v", storageerr.ErrIo, err)
	}
	return nil
}
