// Package wal implements the write-ahead log (spec.md §4.3/§4.4,
// components C3 Log Writer and C4 WAL Manager): monotonic LSNs, segment
// rotation, CRC32-framed records, and the Active Transaction
// Table/Dirty Page Table bookkeeping the recovery manager replays from.
//
// Grounded on pkg/wal/wal.go's segment-file naming and rotation and
// pkg/wal/entry.go's CRC32 framing, generalized from the teacher's four
// insert/delete/commit/checkpoint op codes into the full ARIES record
// set (Begin, Update, Commit, Abort, CLR, CheckpointBegin,
// CheckpointEnd).
package wal

import "errors"

var (
	// ErrCorrupted indicates a CRC mismatch on a log record, or a segment
	// header with a bad magic or version.
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrLogClosed indicates an operation on a closed log. log.go also
	// wraps segment-file I/O failures (mkdir, open, write, fsync) with it.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrTruncated indicates a record cut short by a torn write, normal
	// at the tail of the last segment after a crash.
	ErrTruncated = errors.New("wal: truncated record")

	// ErrUnknownTxn indicates an operation referencing a transaction id
	// not present in the Active Transaction Table.
	ErrUnknownTxn = errors.New("wal: unknown transaction id")
)
