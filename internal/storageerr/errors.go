// Package storageerr defines the sentinel error kinds shared by every core
// subsystem (pager, buffer pool, WAL, recovery, B+Tree).
package storageerr

import "errors"

var (
	// ErrIo wraps an underlying filesystem failure. Callers may retry at
	// their own discretion.
	ErrIo = errors.New("storage: io error")

	// ErrCorrupt indicates a checksum mismatch or invalid header in a page
	// or log record. Never recovered inside the core.
	ErrCorrupt = errors.New("storage: corrupt")

	// ErrInconsistent indicates a structural impossibility such as a
	// checkpoint-end with no matching checkpoint-begin, or a decreasing LSN.
	ErrInconsistent = errors.New("storage: inconsistent")

	// ErrPoolExhausted means every frame in the buffer pool is pinned.
	ErrPoolExhausted = errors.New("storage: buffer pool exhausted")

	// ErrDuplicateKey is returned by B+Tree Insert when the key already exists.
	ErrDuplicateKey = errors.New("storage: duplicate key")

	// ErrNotFound is returned by B+Tree Delete when the key is absent
	// (Get reports absence with ok=false and a nil error instead).
	ErrNotFound = errors.New("storage: not found")

	// ErrUnknownTxid is returned when a txid has no entry in the active
	// transaction table.
	ErrUnknownTxid = errors.New("storage: unknown transaction id")

	// ErrAlreadyTerminated is returned by commit/abort on a transaction
	// that is no longer active.
	ErrAlreadyTerminated = errors.New("storage: transaction already terminated")

	// ErrInvalidConfig is returned by Config.Validate for out-of-range or
	// unknown configuration values.
	ErrInvalidConfig = errors.New("storage: invalid config")

	// ErrInvalidPageId is returned for a page id outside the file's
	// allocated range.
	ErrInvalidPageId = errors.New("storage: invalid page id")

	// ErrClosed is returned by any operation attempted after Shutdown.
	ErrClosed = errors.New("storage: engine closed")

	// ErrEntryTooLarge is returned by B+Tree Insert when a key/value pair
	// cannot fit within a single page even after a split.
	ErrEntryTooLarge = errors.New("storage: key/value pair too large for page size")
)
