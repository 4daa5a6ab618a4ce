package bufferpool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/coredbio/coredb/pkg/pager"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *pager.Pager) {
	t.Helper()
	m := metrics.New()
	lg := logger.New(logger.Config{Level: "error"})
	pgr, err := pager.Open(filepath.Join(t.TempDir(), "data.db"), 256, 64, config.SyncNone, m)
	require.NoError(t, err)

	pool := New(pgr, config.Config{
		PoolFrames:              capacity,
		EvictionPolicy:          config.EvictionLRU,
		BackgroundFlushInterval: time.Hour,
		FlushConcurrency:        2,
	}, m, lg)
	t.Cleanup(func() { pool.Close() })
	return pool, pgr
}

func TestFetchNewPageRoundTrips(t *testing.T) {
	pool, pgr := newTestPool(t, 8)
	pg, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	h, err := pool.NewPage(pg)
	require.NoError(t, err)
	copy(h.Page().Body(), []byte("payload"))
	h.Unpin(true)

	h2, err := pool.FetchPage(pg.ID())
	require.NoError(t, err)
	require.Equal(t, "payload", string(h2.Page().Body()[:7]))
	h2.Unpin(false)
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	pool, pgr := newTestPool(t, 2)
	var handles []*Handle
	for i := 0; i < 2; i++ {
		pg, err := pgr.AllocatePage(page.TypeUserData)
		require.NoError(t, err)
		h, err := pool.NewPage(pg)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	extra, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	_, err = pool.NewPage(extra)
	require.ErrorIs(t, err, storageerr.ErrPoolExhausted)

	for _, h := range handles {
		h.Unpin(false)
	}
}

func TestEvictionFlushesDirtyVictim(t *testing.T) {
	pool, pgr := newTestPool(t, 1)
	a, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	ha, err := pool.NewPage(a)
	require.NoError(t, err)
	copy(ha.Page().Body(), []byte("dirty-a"))
	ha.Unpin(true)

	b, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	hb, err := pool.NewPage(b)
	require.NoError(t, err)
	hb.Unpin(true)

	fromDisk, err := pgr.ReadPage(a.ID())
	require.NoError(t, err)
	require.Equal(t, "dirty-a", string(fromDisk.Body()[:7]))
}

func TestFlushPersistsDirtyFrames(t *testing.T) {
	pool, pgr := newTestPool(t, 8)
	pg, err := pgr.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	h, err := pool.NewPage(pg)
	require.NoError(t, err)
	copy(h.Page().Body(), []byte("flush-me"))
	h.Unpin(true)

	require.NoError(t, pool.Flush())

	fromDisk, err := pgr.ReadPage(pg.ID())
	require.NoError(t, err)
	require.Equal(t, "flush-me", string(fromDisk.Body()[:8]))
}
