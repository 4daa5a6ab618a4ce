// Package config defines the single configuration struct accepted by
// engine.Open, mirroring spec.md §6's option list.
package config

import (
	"fmt"
	"time"

	"github.com/coredbio/coredb/internal/storageerr"
)

// EvictionPolicy selects the buffer pool's victim-selection strategy.
type EvictionPolicy string

const (
	EvictionLRU   EvictionPolicy = "LRU"
	EvictionClock EvictionPolicy = "Clock"
)

// PagerSyncMode controls when the pager fsyncs written pages.
type PagerSyncMode string

const (
	// SyncNone defers all durability to an explicit Flush call.
	SyncNone PagerSyncMode = "None"
	// SyncCommit fsyncs only when the caller explicitly asks (transaction commit).
	SyncCommit PagerSyncMode = "Commit"
	// SyncAlways fsyncs after every WritePage.
	SyncAlways PagerSyncMode = "Always"
)

// Config is the single struct accepted by engine.Open. Unknown keys have no
// representation in Go (the struct is closed), so "unknown keys rejected"
// is enforced by Validate checking every field against its allowed domain.
type Config struct {
	PageSize                 int
	PoolFrames               int
	EvictionPolicy           EvictionPolicy
	PagerSync                PagerSyncMode
	LogSegmentBytes          int64
	CheckpointInterval       time.Duration
	BTreeOrder               int
	BackgroundFlushInterval  time.Duration
	FlushConcurrency         int
	PagerCacheSize           int
}

// Default returns the configuration with every spec.md §6 default applied.
func Default() Config {
	return Config{
		PageSize:                4096,
		PoolFrames:              1024,
		EvictionPolicy:          EvictionLRU,
		PagerSync:               SyncCommit,
		LogSegmentBytes:         16 << 20,
		CheckpointInterval:      5 * time.Minute,
		BTreeOrder:              128,
		BackgroundFlushInterval: 5 * time.Second,
		FlushConcurrency:        10,
		PagerCacheSize:          10000,
	}
}

// Validate rejects out-of-range values before the engine opens any file.
func (c Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page_size must be a power of two, got %d", storageerr.ErrInvalidConfig, c.PageSize)
	}
	if c.PoolFrames <= 0 {
		return fmt.Errorf("%w: pool_frames must be positive, got %d", storageerr.ErrInvalidConfig, c.PoolFrames)
	}
	switch c.EvictionPolicy {
	case EvictionLRU, EvictionClock:
	default:
		return fmt.Errorf("%w: unknown eviction_policy %q", storageerr.ErrInvalidConfig, c.EvictionPolicy)
	}
	switch c.PagerSync {
	case SyncNone, SyncCommit, SyncAlways:
	default:
		return fmt.Errorf("%w: unknown pager_sync %q", storageerr.ErrInvalidConfig, c.PagerSync)
	}
	if c.LogSegmentBytes <= 0 {
		return fmt.Errorf("%w: log_segment_bytes must be positive, got %d", storageerr.ErrInvalidConfig, c.LogSegmentBytes)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("%w: checkpoint_interval must be positive", storageerr.ErrInvalidConfig)
	}
	if c.BTreeOrder < 4 {
		return fmt.Errorf("%w: btree_order must be >= 4, got %d", storageerr.ErrInvalidConfig, c.BTreeOrder)
	}
	if c.BackgroundFlushInterval <= 0 {
		return fmt.Errorf("%w: background_flush_interval must be positive", storageerr.ErrInvalidConfig)
	}
	if c.FlushConcurrency <= 0 {
		return fmt.Errorf("%w: flush_concurrency must be positive, got %d", storageerr.ErrInvalidConfig, c.FlushConcurrency)
	}
	if c.PagerCacheSize < 0 {
		return fmt.Errorf("%w: pager_cache_size must be non-negative, got %d", storageerr.ErrInvalidConfig, c.PagerCacheSize)
	}
	return nil
}
