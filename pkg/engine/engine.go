// Package engine wires the paged file store, buffer pool, write-ahead
// log, recovery manager, and B+Tree index into the single entry point
// callers open: Open runs crash recovery before anything else touches
// the data file, then exposes a transactional key/value API over the
// tree.
//
// Grounded on the teacher's storage.KV/KVTX Open/Begin/Commit/Abort
// shape (pkg/storage/kv.go, pkg/storage/transaction.go), replacing
// its mmap+copy-on-write model and its document/metadata/version
// domain with the pager/bufferpool/wal/recovery/btree stack beneath
// it and a flat key/value surface above it.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/btree"
	"github.com/coredbio/coredb/pkg/bufferpool"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/coredbio/coredb/pkg/pager"
	"github.com/coredbio/coredb/pkg/recovery"
	"github.com/coredbio/coredb/pkg/wal"
)

// dataFileName and walDirName are the two artifacts Open manages inside
// the directory the caller names.
const (
	dataFileName = "data.db"
	walDirName   = "wal"
	// rootPageIDPage is the engine's own reserved meta page (spec.md
	// §3, §9), distinct from the pager's own page 0. It stores the
	// B+Tree's current root page id at offset 0.
	rootPageIDPage = 1
)

// Engine is the open storage engine: one data file, one WAL directory,
// and the index built over them.
type Engine struct {
	cfg     config.Config
	pgr     *pager.Pager
	pool    *bufferpool.Pool
	log     *wal.Log
	wal     *wal.Manager
	tree    *btree.Tree
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool

	stopCheckpoint chan struct{}
	checkpointDone chan struct{}
}

// Open creates dir if absent, runs ARIES recovery over any existing
// log, and returns a ready Engine. dir holds both the page file and the
// WAL segment directory, per spec.md §9's single-directory layout.
func Open(dir string, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create engine directory: %v", storageerr.ErrIo, err)
	}

	m := metrics.New()
	lg := logger.New(logger.Config{Level: "info"})

	pgr, err := pager.Open(filepath.Join(dir, dataFileName), cfg.PageSize, cfg.PagerCacheSize, cfg.PagerSync, m)
	if err != nil {
		return nil, err
	}

	l, err := wal.OpenLog(filepath.Join(dir, walDirName), cfg.LogSegmentBytes, m)
	if err != nil {
		pgr.Close()
		return nil, err
	}

	rm := recovery.NewManager(l, pgr, m, lg)
	report, err := rm.Recover()
	if err != nil {
		l.Close()
		pgr.Close()
		return nil, err
	}
	lg.Info("recovery complete").
		Int("records_scanned", report.RecordsScanned).
		Int("redo", report.RedoCount).
		Int("undo", report.UndoCount).
		Dur("elapsed", report.Elapsed).
		Send()

	wm := wal.NewManager(l, m, lg)
	pool := bufferpool.New(pgr, cfg, m, lg)
	pool.SetLogForcer(wm)

	rootID, err := loadRootPageID(pgr)
	if err != nil {
		pool.Close()
		l.Close()
		return nil, err
	}

	tree := btree.Open(pool, wm, pgr, cfg.PageSize, cfg.BTreeOrder, rootID)

	e := &Engine{
		cfg:            cfg,
		pgr:            pgr,
		pool:           pool,
		log:            l,
		wal:            wm,
		tree:           tree,
		metrics:        m,
		logger:         lg,
		stopCheckpoint: make(chan struct{}),
		checkpointDone: make(chan struct{}),
	}
	go e.runCheckpoints(cfg.CheckpointInterval)
	return e, nil
}

// loadRootPageID reads the engine's reserved meta page, allocating it
// (as an empty-tree marker, root id 0) the first time the data file is
// created. AllocatePage hands out ids in order starting at 1, so the
// very first allocation call on a fresh file yields rootPageIDPage.
func loadRootPageID(pgr *pager.Pager) (uint32, error) {
	pg, err := pgr.ReadPage(rootPageIDPage)
	if err == nil {
		return bytesToUint32(pg.Body()[:4]), nil
	}

	pg2, aerr := pgr.AllocatePage(page.TypeUserData)
	if aerr != nil {
		return 0, aerr
	}
	if pg2.ID() != rootPageIDPage {
		return 0, fmt.Errorf("%w: engine meta page allocated at unexpected id %d", storageerr.ErrInconsistent, pg2.ID())
	}
	if err := pgr.WritePage(pg2, true); err != nil {
		return 0, err
	}
	return 0, nil
}

func bytesToUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// persistRootPageID stamps the tree's current root into the reserved
// meta page. Called after every committed mutation so a crash never
// loses track of the tree, even though the page itself isn't WAL-logged
// (its content is a single pointer, rewritten wholesale on every call).
func (e *Engine) persistRootPageID() error {
	pg, err := e.pgr.ReadPage(rootPageIDPage)
	if err != nil {
		return err
	}
	copy(pg.Body(), uint32ToBytes(e.tree.RootPageID()))
	return e.pgr.WritePage(pg, false)
}

// Begin starts a new transaction and returns its id.
func (e *Engine) Begin() (uint64, error) {
	if e.isClosed() {
		return 0, storageerr.ErrClosed
	}
	return e.wal.Begin()
}

// Commit durably commits txnID and persists the tree's root pointer.
func (e *Engine) Commit(txnID uint64) error {
	if e.isClosed() {
		return storageerr.ErrClosed
	}
	if err := e.wal.Commit(txnID); err != nil {
		return err
	}
	return e.persistRootPageID()
}

// Abort rolls txnID back through the buffer pool.
func (e *Engine) Abort(txnID uint64) error {
	if e.isClosed() {
		return storageerr.ErrClosed
	}
	return e.wal.Abort(txnID, e.pool)
}

// Insert adds key/val within txnID.
func (e *Engine) Insert(txnID uint64, key, val []byte) error {
	if e.isClosed() {
		return storageerr.ErrClosed
	}
	return e.tree.Insert(txnID, key, val)
}

// Delete removes key within txnID.
func (e *Engine) Delete(txnID uint64, key []byte) error {
	if e.isClosed() {
		return storageerr.ErrClosed
	}
	return e.tree.Delete(txnID, key)
}

// Get looks up key outside of any transaction's write path (reads are
// not transactionally isolated beyond what the buffer pool's page
// pinning already guarantees: uncommitted writes are visible).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.isClosed() {
		return nil, false, storageerr.ErrClosed
	}
	return e.tree.Get(key)
}

// RangeScan returns an iterator over [lo, hi) (or [lo, hi] if
// hiInclusive), per spec.md §4.6.
func (e *Engine) RangeScan(lo, hi []byte, hiInclusive bool) (*btree.Iterator, error) {
	if e.isClosed() {
		return nil, storageerr.ErrClosed
	}
	return e.tree.RangeScan(lo, hi, hiInclusive)
}

// Checkpoint forces an immediate fuzzy checkpoint, independent of the
// background interval.
func (e *Engine) Checkpoint() error {
	if e.isClosed() {
		return storageerr.ErrClosed
	}
	return e.wal.Checkpoint()
}

func (e *Engine) runCheckpoints(interval time.Duration) {
	defer close(e.checkpointDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCheckpoint:
			return
		case <-ticker.C:
			if err := e.wal.Checkpoint(); err != nil {
				e.logger.Error("periodic checkpoint failed").Err(err).Send()
			}
		}
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Shutdown stops the background checkpointer, flushes every dirty
// page, and closes the WAL and data file.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCheckpoint)
	<-e.checkpointDone

	if err := e.wal.Checkpoint(); err != nil {
		return err
	}
	if err := e.pool.Close(); err != nil {
		return err
	}
	return e.log.Close()
}

// Metrics exposes the Prometheus registry backing this engine instance,
// for a caller that wants to serve /metrics itself.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
