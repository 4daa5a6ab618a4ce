package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/bufferpool"
	"github.com/coredbio/coredb/pkg/pager"
	"github.com/coredbio/coredb/pkg/wal"
	"github.com/stretchr/testify/require"
)

const testPageSize = 256

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New()
	lg := logger.New(logger.Config{Level: "error"})

	pgr, err := pager.Open(filepath.Join(dir, "data.db"), testPageSize, 64, config.SyncNone, m)
	require.NoError(t, err)
	t.Cleanup(func() { pgr.Close() })

	pool := bufferpool.New(pgr, config.Config{
		PoolFrames:              64,
		EvictionPolicy:          config.EvictionLRU,
		BackgroundFlushInterval: config.Default().BackgroundFlushInterval,
		FlushConcurrency:        4,
	}, m, lg)
	t.Cleanup(func() { pool.Close() })

	l, err := wal.OpenLog(filepath.Join(dir, "wal"), 1<<20, m)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	wm := wal.NewManager(l, m, lg)
	pool.SetLogForcer(wm)

	return Open(pool, wm, pgr, testPageSize, config.Default().BTreeOrder, 0)
}

func TestInsertAndGet(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)

	require.NoError(t, tree.Insert(txn, []byte("b"), []byte("2")))
	require.NoError(t, tree.Insert(txn, []byte("a"), []byte("1")))
	require.NoError(t, tree.Insert(txn, []byte("c"), []byte("3")))
	require.NoError(t, tree.wal.Commit(txn))

	val, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	val, ok, err = tree.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)

	_, ok, err = tree.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)
	require.NoError(t, tree.Insert(txn, []byte("dup"), []byte("1")))
	err = tree.Insert(txn, []byte("dup"), []byte("2"))
	require.ErrorIs(t, err, storageerr.ErrDuplicateKey)
}

func TestInsertCausesSplitAndStaysConsistent(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)

	const n = 80
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		require.NoError(t, tree.Insert(txn, key, val))
	}
	require.NoError(t, tree.wal.Commit(txn))

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("val-%04d", i))
		got, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", key)
		require.Equal(t, want, got)
	}

	// The root must have become an internal node once enough keys
	// forced a split.
	h, err := tree.pool.FetchPage(tree.RootPageID())
	require.NoError(t, err)
	node := BNode(h.Page().Body()[:tree.bodySize])
	require.False(t, node.isLeaf())
	h.Unpin(false)
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)
	require.NoError(t, tree.Insert(txn, []byte("a"), []byte("1")))
	require.NoError(t, tree.Insert(txn, []byte("b"), []byte("2")))
	require.NoError(t, tree.wal.Commit(txn))

	txn2, err := tree.wal.Begin()
	require.NoError(t, err)
	require.NoError(t, tree.Delete(txn2, []byte("a")))
	require.NoError(t, tree.wal.Commit(txn2))

	_, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	val, ok, err := tree.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)
}

func TestDeleteMissingKeyReturnsNotFound(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)
	require.NoError(t, tree.Insert(txn, []byte("a"), []byte("1")))
	require.NoError(t, tree.wal.Commit(txn))

	txn2, err := tree.wal.Begin()
	require.NoError(t, err)
	err = tree.Delete(txn2, []byte("nope"))
	require.ErrorIs(t, err, storageerr.ErrNotFound)
}

func TestEntryTooLargeRejected(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)
	huge := make([]byte, testPageSize*2)
	err = tree.Insert(txn, []byte("k"), huge)
	require.ErrorIs(t, err, storageerr.ErrEntryTooLarge)
}

func TestRangeScanOrderedAndBounded(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)

	const n = 60
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		val := []byte(fmt.Sprintf("v-%04d", i))
		require.NoError(t, tree.Insert(txn, key, val))
	}
	require.NoError(t, tree.wal.Commit(txn))

	lo := []byte(fmt.Sprintf("k-%04d", 10))
	hi := []byte(fmt.Sprintf("k-%04d", 20))
	it, err := tree.RangeScan(lo, hi, false)
	require.NoError(t, err)

	var got []string
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Len(t, got, 10)
	for i, k := range got {
		require.Equal(t, fmt.Sprintf("k-%04d", 10+i), k)
	}
}

func TestRangeScanFullTableInAscendingOrder(t *testing.T) {
	tree := newTestTree(t)
	txn, err := tree.wal.Begin()
	require.NoError(t, err)
	const n = 40
	for i := n - 1; i >= 0; i-- {
		key := []byte(fmt.Sprintf("k-%04d", i))
		require.NoError(t, tree.Insert(txn, key, []byte("v")))
	}
	require.NoError(t, tree.wal.Commit(txn))

	it, err := tree.RangeScan(nil, nil, false)
	require.NoError(t, err)
	prev := ""
	count := 0
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.True(t, string(k) > prev)
		prev = string(k)
		count++
	}
	require.Equal(t, n, count)
}
