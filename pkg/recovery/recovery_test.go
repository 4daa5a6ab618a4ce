package recovery

import (
	"path/filepath"
	"testing"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/coredbio/coredb/pkg/pager"
	"github.com/coredbio/coredb/pkg/wal"
	"github.com/stretchr/testify/require"
)

// TestRecoverRedoesCommittedUpdateAfterSimulatedCrash covers spec.md
// §8's S1: a transaction commits, logs it, but the page it touched
// never made it to disk before the "crash" — recovery must redo it.
func TestRecoverRedoesCommittedUpdateAfterSimulatedCrash(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	lg := logger.New(logger.Config{Level: "error"})

	pgr, err := pager.Open(filepath.Join(dir, "data.db"), 256, 16, config.SyncAlways, m)
	require.NoError(t, err)
	pg, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.NoError(t, pgr.WritePage(pg, true))
	pageID := pg.ID()
	require.NoError(t, pgr.Flush())

	l, err := wal.OpenLog(filepath.Join(dir, "wal"), 1<<20, m)
	require.NoError(t, err)
	wm := wal.NewManager(l, m, lg)

	txn, err := wm.Begin()
	require.NoError(t, err)
	before := append([]byte(nil), pg.Body()...)
	after := append([]byte(nil), before...)
	copy(after, []byte("committed-data"))
	_, err = wm.LogUpdate(txn, pageID, 0, before, after)
	require.NoError(t, err)
	require.NoError(t, wm.Commit(txn))
	require.NoError(t, l.Close())
	// pgr was never told to write the new page content — simulating a
	// crash where the commit is durable in the log but the page is
	// not yet durable on disk.
	require.NoError(t, pgr.Close())

	pgr2, err := pager.Open(filepath.Join(dir, "data.db"), 256, 16, config.SyncAlways, m)
	require.NoError(t, err)
	t.Cleanup(func() { pgr2.Close() })
	l2, err := wal.OpenLog(filepath.Join(dir, "wal"), 1<<20, m)
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })

	rm := NewManager(l2, pgr2, m, lg)
	report, err := rm.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, report.RedoCount)
	require.Equal(t, 0, report.UndoCount)

	got, err := pgr2.ReadPage(pageID)
	require.NoError(t, err)
	require.Equal(t, "committed-data", string(got.Body()[:len("committed-data")]))
}

// TestRecoverUndoesUncommittedUpdate covers spec.md §8's S3: a
// transaction logs an update but never commits or aborts before the
// crash — recovery must roll it back to the before-image.
func TestRecoverUndoesUncommittedUpdate(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	lg := logger.New(logger.Config{Level: "error"})

	pgr, err := pager.Open(filepath.Join(dir, "data.db"), 256, 16, config.SyncAlways, m)
	require.NoError(t, err)
	pg, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	copy(pg.Body(), []byte("original-data"))
	require.NoError(t, pgr.WritePage(pg, true))
	pageID := pg.ID()
	require.NoError(t, pgr.Flush())

	l, err := wal.OpenLog(filepath.Join(dir, "wal"), 1<<20, m)
	require.NoError(t, err)
	wm := wal.NewManager(l, m, lg)

	txn, err := wm.Begin()
	require.NoError(t, err)
	before := append([]byte(nil), pg.Body()...)
	after := append([]byte(nil), before...)
	copy(after, []byte("uncommitted-data"))
	_, err = wm.LogUpdate(txn, pageID, 0, before, after)
	require.NoError(t, err)
	// Apply the update to the page directly (as the buffer pool would
	// have) but never commit — this transaction is still active when
	// the crash happens.
	copy(pg.Body(), after)
	require.NoError(t, pgr.WritePage(pg, true))
	require.NoError(t, l.Close())
	require.NoError(t, pgr.Close())

	pgr2, err := pager.Open(filepath.Join(dir, "data.db"), 256, 16, config.SyncAlways, m)
	require.NoError(t, err)
	t.Cleanup(func() { pgr2.Close() })
	l2, err := wal.OpenLog(filepath.Join(dir, "wal"), 1<<20, m)
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })

	rm := NewManager(l2, pgr2, m, lg)
	report, err := rm.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, report.UndoCount)

	got, err := pgr2.ReadPage(pageID)
	require.NoError(t, err)
	require.Equal(t, "original-data", string(got.Body()[:len("original-data")]))
}
