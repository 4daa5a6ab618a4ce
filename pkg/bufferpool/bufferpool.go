// Package bufferpool implements the pinned in-memory page cache sitting
// above pkg/pager (spec.md §4.2, component C2): fixed-capacity frames,
// pin-counted access, dirty tracking, a pluggable LRU/Clock eviction
// policy, and a background flusher that enforces the write-ahead-log
// invariant — a dirty frame is never written to disk until the log
// records covering it are durable.
//
// Grounded on the other_examples buffer pool's doubly-linked recency
// list (generalized here into the pluggable policy in policy.go) and on
// pkg/storage/kv.go's flush-before-close discipline, adapted to explicit
// pin counts instead of copy-on-write snapshots.
package bufferpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/coredbio/coredb/pkg/pager"
)

// LogForcer lets the buffer pool enforce the WAL-before-page rule and
// keep the WAL manager's Dirty Page Table honest, without importing the
// WAL package directly: before a dirty frame reaches disk, the pool asks
// the log to become durable up to that frame's LSN; once the frame has
// been written back through the pager (fsynced only as the pager's sync
// mode dictates), the pool reports the page id so its DPT entry can be
// cleared.
type LogForcer interface {
	ForceUpTo(lsn uint64) error
	NotifyFlushed(pageID uint32)
}

// frame is one resident page slot.
type frame struct {
	pg      *page.Page
	pinCnt  int32
	dirty   bool
}

// Pool is the fixed-capacity, pinned page cache.
type Pool struct {
	mu       sync.Mutex
	frames   map[uint32]*frame
	policy   policy
	capacity int

	pager     *pager.Pager
	logForcer LogForcer
	metrics   *metrics.Metrics
	log       *logger.Logger

	flushSem  chan struct{}
	stopBg    chan struct{}
	bgDone    chan struct{}
}

// New builds a Pool of the given capacity over pgr, using the eviction
// policy and background flush parameters named in cfg.
func New(pgr *pager.Pager, cfg config.Config, m *metrics.Metrics, log *logger.Logger) *Pool {
	var pol policy
	switch cfg.EvictionPolicy {
	case config.EvictionClock:
		pol = newClockPolicy()
	default:
		pol = newLRUPolicy()
	}

	p := &Pool{
		frames:   make(map[uint32]*frame, cfg.PoolFrames),
		policy:   pol,
		capacity: cfg.PoolFrames,
		pager:    pgr,
		metrics:  m,
		log:      log,
		flushSem: make(chan struct{}, cfg.FlushConcurrency),
		stopBg:   make(chan struct{}),
		bgDone:   make(chan struct{}),
	}
	go p.backgroundFlush(cfg.BackgroundFlushInterval)
	return p
}

// SetLogForcer wires the WAL manager in after construction, breaking the
// natural import cycle (the WAL manager itself does not depend on the
// buffer pool, but engine.Open wires both together).
func (p *Pool) SetLogForcer(lf LogForcer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logForcer = lf
}

// Handle is a pinned reference to a resident page. Callers must call
// Unpin exactly once when done.
type Handle struct {
	pool *Pool
	id   uint32
	pg   *page.Page
}

// Page returns the pinned page. Mutating its body is safe only while the
// handle is held; call Unpin(true) afterward so the pool knows to
// persist it.
func (h *Handle) Page() *page.Page { return h.pg }

// Unpin releases the pin. dirty must be true if the caller modified the
// page body since fetching it.
func (h *Handle) Unpin(dirty bool) {
	h.pool.unpin(h.id, dirty)
}

// FetchPage pins and returns the page, loading it from the pager on a
// cache miss. It returns storageerr.ErrPoolExhausted if the pool is full
// and every resident frame is currently pinned.
func (p *Pool) FetchPage(id uint32) (*Handle, error) {
	p.mu.Lock()
	if f, ok := p.frames[id]; ok {
		f.pinCnt++
		p.policy.touch(id)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Handle{pool: p, id: id, pg: f.pg}, nil
	}
	if err := p.makeRoomLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	pg, err := p.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[id]; ok {
		// Lost a race with a concurrent fetch of the same page.
		f.pinCnt++
		p.policy.touch(id)
		p.updateGaugesLocked()
		return &Handle{pool: p, id: id, pg: f.pg}, nil
	}
	p.frames[id] = &frame{pg: pg, pinCnt: 1}
	p.policy.add(id)
	p.updateGaugesLocked()
	return &Handle{pool: p, id: id, pg: pg}, nil
}

// NewPage installs a page the caller already allocated via the pager
// (typically pager.AllocatePage) directly into the pool, pinned, without
// issuing a read. Used when B+Tree code creates a new node.
func (p *Pool) NewPage(pg *page.Page) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.makeRoomLocked(); err != nil {
		return nil, err
	}
	id := pg.ID()
	p.frames[id] = &frame{pg: pg, pinCnt: 1, dirty: true}
	p.policy.add(id)
	p.updateGaugesLocked()
	return &Handle{pool: p, id: id, pg: pg}, nil
}

func (p *Pool) unpin(id uint32, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return
	}
	if dirty {
		f.dirty = true
	}
	if f.pinCnt > 0 {
		f.pinCnt--
	}
	p.policy.touch(id)
	p.updateGaugesLocked()
}

// makeRoomLocked evicts one frame if the pool is at capacity. Caller
// holds p.mu.
func (p *Pool) makeRoomLocked() error {
	if len(p.frames) < p.capacity {
		return nil
	}
	id, ok := p.policy.victim(func(id uint32) bool { return p.frames[id].pinCnt > 0 })
	if !ok {
		if p.metrics != nil {
			p.metrics.PoolExhaustedTotal.Inc()
		}
		return storageerr.ErrPoolExhausted
	}
	f := p.frames[id]
	if f.dirty {
		if err := p.flushFrameLocked(id, f); err != nil {
			return err
		}
	}
	delete(p.frames, id)
	p.policy.remove(id)
	if p.metrics != nil {
		p.metrics.PoolEvictionsTotal.Inc()
	}
	return nil
}

// flushFrameLocked enforces the WAL-before-page rule and writes the
// frame's page to the pager. Caller holds p.mu.
func (p *Pool) flushFrameLocked(id uint32, f *frame) error {
	if p.logForcer != nil {
		if err := p.logForcer.ForceUpTo(f.pg.LSN()); err != nil {
			return fmt.Errorf("wal-before-page force failed for page %d: %w", id, err)
		}
	}
	if err := p.pager.WritePage(f.pg, false); err != nil {
		return err
	}
	f.dirty = false
	if p.logForcer != nil {
		p.logForcer.NotifyFlushed(id)
	}
	return nil
}

// ApplyPhysicalUpdate writes after at offset into pageID's body and
// marks the frame dirty, satisfying wal.PageApplier so the WAL manager
// can undo a live (non-crash) transaction through the buffer pool.
func (p *Pool) ApplyPhysicalUpdate(pageID uint32, offset uint32, after []byte) error {
	h, err := p.FetchPage(pageID)
	if err != nil {
		return err
	}
	copy(h.Page().Body()[offset:], after)
	h.Unpin(true)
	return nil
}

// Flush forces every dirty, resident frame to the pager, regardless of
// pin state, and fsyncs the pager. Used at checkpoint and shutdown.
func (p *Pool) Flush() error {
	start := time.Now()
	p.mu.Lock()
	for id, f := range p.frames {
		if f.dirty {
			if err := p.flushFrameLocked(id, f); err != nil {
				p.mu.Unlock()
				return err
			}
		}
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolFlushDuration.Observe(time.Since(start).Seconds())
	}
	return p.pager.Flush()
}

// Close stops the background flusher, flushes every dirty frame, and
// closes the underlying pager.
func (p *Pool) Close() error {
	close(p.stopBg)
	<-p.bgDone
	if err := p.Flush(); err != nil {
		return err
	}
	return p.pager.Close()
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	var pinned, dirty float64
	for _, f := range p.frames {
		if f.pinCnt > 0 {
			pinned++
		}
		if f.dirty {
			dirty++
		}
	}
	p.metrics.PoolPinnedFrames.Set(pinned)
	p.metrics.PoolDirtyFrames.Set(dirty)
}

// backgroundFlush periodically flushes dirty, unpinned frames, bounding
// concurrency with a semaphore sized by FlushConcurrency so a slow disk
// cannot spawn unbounded goroutines (spec.md §7).
func (p *Pool) backgroundFlush(interval time.Duration) {
	defer close(p.bgDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopBg:
			return
		case <-ticker.C:
			p.flushDirtyUnpinned()
		}
	}
}

func (p *Pool) flushDirtyUnpinned() {
	start := time.Now()
	p.mu.Lock()
	var candidates []uint32
	for id, f := range p.frames {
		if f.dirty && f.pinCnt == 0 {
			candidates = append(candidates, id)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range candidates {
		id := id
		p.flushSem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-p.flushSem }()
			p.mu.Lock()
			f, ok := p.frames[id]
			if ok && f.dirty && f.pinCnt == 0 {
				if err := p.flushFrameLocked(id, f); err != nil && p.log != nil {
					p.log.Error("background flush failed").Uint32("page_id", id).Err(err).Send()
				}
			}
			p.mu.Unlock()
		}()
	}
	wg.Wait()
	if p.metrics != nil {
		p.metrics.PoolFlushDuration.Observe(time.Since(start).Seconds())
	}
}
