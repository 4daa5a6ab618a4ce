package engine

import (
	"testing"

	"github.com/coredbio/coredb/internal/config"
	"github.com/coredbio/coredb/internal/storageerr"
	"github.com/coredbio/coredb/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PageSize = 512
	cfg.PoolFrames = 64
	cfg.PagerCacheSize = 64
	return cfg
}

func TestOpenInsertGetCommit(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Shutdown()

	txn, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Insert(txn, []byte("a"), []byte("1")))
	require.NoError(t, e.Insert(txn, []byte("b"), []byte("2")))
	require.NoError(t, e.Commit(txn))

	val, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)
}

func TestAbortRollsBackInserts(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Shutdown()

	txn, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Insert(txn, []byte("gone"), []byte("x")))
	require.NoError(t, e.Abort(txn))

	_, ok, err := e.Get([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReopenSurvivesAcrossShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	e, err := Open(dir, cfg)
	require.NoError(t, err)
	txn, err := e.Begin()
	require.NoError(t, err)
	const n = 30
	keys := testutil.Keys(0, n)
	for i, k := range keys {
		require.NoError(t, e.Insert(txn, k, testutil.SeqVal(i)))
	}
	require.NoError(t, e.Commit(txn))
	require.NoError(t, e.Shutdown())

	e2, err := Open(dir, cfg)
	require.NoError(t, err)
	defer e2.Shutdown()

	for i, k := range keys {
		val, ok, err := e2.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing after reopen", k)
		require.Equal(t, testutil.SeqVal(i), val)
	}
}

func TestOperationsRejectedAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Shutdown())

	_, err = e.Begin()
	require.ErrorIs(t, err, storageerr.ErrClosed)
}

func TestRangeScanAcrossEngine(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Shutdown()

	txn, err := e.Begin()
	require.NoError(t, err)
	const n = 25
	for i, k := range testutil.Keys(0, n) {
		require.NoError(t, e.Insert(txn, k, testutil.SeqVal(i)))
	}
	require.NoError(t, e.Commit(txn))

	it, err := e.RangeScan(testutil.SeqKey(5), testutil.SeqKey(10), false)
	require.NoError(t, err)
	count := 0
	for {
		_, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 5, count)
}

func TestCheckpointThenMoreWrites(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Shutdown()

	txn, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Insert(txn, []byte("before"), []byte("1")))
	require.NoError(t, e.Commit(txn))

	require.NoError(t, e.Checkpoint())

	txn2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Insert(txn2, []byte("after"), []byte("2")))
	require.NoError(t, e.Commit(txn2))

	_, ok, err := e.Get([]byte("before"))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = e.Get([]byte("after"))
	require.NoError(t, err)
	require.True(t, ok)
}
