package wal

import (
	"testing"

	"github.com/coredbio/coredb/internal/logger"
	"github.com/coredbio/coredb/internal/metrics"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	applied map[uint32][]byte
}

func (f *fakeApplier) ApplyPhysicalUpdate(pageID uint32, offset uint32, after []byte) error {
	if f.applied == nil {
		f.applied = make(map[uint32][]byte)
	}
	f.applied[pageID] = after
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	l, err := OpenLog(t.TempDir(), 1<<20, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return NewManager(l, metrics.New(), logger.New(logger.Config{Level: "error"}))
}

func TestManagerCommitRetiresTransaction(t *testing.T) {
	m := newTestManager(t)
	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogUpdate(txn, 3, 0, []byte("old"), []byte("new"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))

	m.mu.Lock()
	_, stillActive := m.att[txn]
	m.mu.Unlock()
	require.False(t, stillActive)
}

func TestManagerAbortUndoesUpdates(t *testing.T) {
	m := newTestManager(t)
	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogUpdate(txn, 5, 0, []byte("before1"), []byte("after1"))
	require.NoError(t, err)
	_, err = m.LogUpdate(txn, 5, 16, []byte("before2"), []byte("after2"))
	require.NoError(t, err)

	applier := &fakeApplier{}
	require.NoError(t, m.Abort(txn, applier))

	// Abort undoes newest-first, so the oldest update's before-image is
	// the last one applied to page 5.
	require.Equal(t, []byte("before1"), applier.applied[5])

	m.mu.Lock()
	_, stillActive := m.att[txn]
	m.mu.Unlock()
	require.False(t, stillActive)
}

func TestManagerCheckpointSnapshotsATTAndDPT(t *testing.T) {
	m := newTestManager(t)
	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogUpdate(txn, 9, 0, []byte("a"), []byte("b"))
	require.NoError(t, err)

	require.NoError(t, m.Checkpoint())

	records, err := m.log.ReadAll()
	require.NoError(t, err)
	var end *Record
	for _, r := range records {
		if r.Type == RecCheckpointEnd {
			end = r
		}
	}
	require.NotNil(t, end)
	payload := DecodeCheckpointPayload(end.Payload)
	require.Contains(t, payload.ATT, txn)
	require.Contains(t, payload.DPT, uint32(9))
}

func TestManagerUnknownTxnRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LogUpdate(999, 1, 0, nil, nil)
	require.Error(t, err)
}
