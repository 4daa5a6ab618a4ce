package pager

import (
	"path/filepath"
	"testing"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/pkg/page"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Pager {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "data.db"), 256, 16, config.SyncAlways, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocateReadWrite(t *testing.T) {
	p := open(t)
	pg, err := p.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	copy(pg.Body(), []byte("hello"))
	require.NoError(t, p.WritePage(pg, true))

	got, err := p.ReadPage(pg.ID())
	require.NoError(t, err)
	require.Equal(t, "hello", string(got.Body()[:5]))
}

func TestFreedPageIsReused(t *testing.T) {
	p := open(t)
	a, err := p.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.NoError(t, p.WritePage(a, true))
	p.FreePage(a.ID())
	require.NoError(t, p.Flush())

	b, err := p.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
}

func TestFreeListSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	m := metrics.New()

	p, err := Open(path, 256, 16, config.SyncAlways, m)
	require.NoError(t, err)
	a, err := p.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.NoError(t, p.WritePage(a, true))
	p.FreePage(a.ID())
	require.NoError(t, p.Close())

	p2, err := Open(path, 256, 16, config.SyncAlways, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { p2.Close() })
	b, err := p2.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
}

func TestFreeListChainDoesNotGrowUnbounded(t *testing.T) {
	p := open(t)
	var ids []uint32
	for i := 0; i < 40; i++ {
		pg, err := p.AllocatePage(page.TypeUserData)
		require.NoError(t, err)
		require.NoError(t, p.WritePage(pg, true))
		ids = append(ids, pg.ID())
	}
	for _, id := range ids {
		p.FreePage(id)
	}
	require.NoError(t, p.Flush())
	firstChainLen := len(p.flChainIDs)

	require.NoError(t, p.Flush())
	require.Equal(t, firstChainLen, len(p.flChainIDs))
}

func TestReadPageDetectsCorruption(t *testing.T) {
	p := open(t)
	pg, err := p.AllocatePage(page.TypeUserData)
	require.NoError(t, err)
	require.NoError(t, p.WritePage(pg, true))

	raw, err := p.rawRead(pg.ID())
	require.NoError(t, err)
	raw.Body()[0] ^= 0xFF
	require.NoError(t, p.rawWrite(raw))

	p.mu.Lock()
	delete(p.cache, pg.ID())
	p.mu.Unlock()

	_, err = p.ReadPage(pg.ID())
	require.Error(t, err)
}
