// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/mp4proxy/internal/cache"
)

// DefaultCleanupAge is the default maximum age for orphaned cache files (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// PrepareResult summarises PrepareCache.
type PrepareResult struct {
	Cleared  int
	Freed    int64
	Orphans  int
	Restored int
}

// PrepareCache readies the cache directory before the server accepts
// requests. With clearOnStart every entry from a previous run is removed,
// since it may have been produced with different encoding settings.
// Otherwise orphaned files older than maxAge are removed and the eviction
// window is rebuilt from the remaining artifacts.
func PrepareCache(logger *slog.Logger, store *cache.Store, clearOnStart bool, maxAge time.Duration) (PrepareResult, error) {
	var result PrepareResult

	if clearOnStart {
		cleared, err := store.ClearAll()
		if err != nil {
			logger.Error("failed to clear cache on startup",
				"path", store.Dir(),
				"error", err,
			)
			return result, err
		}
		result.Cleared = cleared.Removed
		result.Freed = cleared.Freed
		if cleared.Removed > 0 {
			logger.Info("cleared cache from previous run",
				"path", store.Dir(),
				"files", cleared.Removed,
				"freed_bytes", cleared.Freed,
			)
		}
		return result, nil
	}

	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	orphans, err := store.SweepOrphans(maxAge)
	if err != nil {
		logger.Warn("failed to sweep orphaned cache files",
			"path", store.Dir(),
			"error", err,
		)
	}
	result.Orphans = orphans

	restored, err := store.Load()
	if err != nil {
		logger.Error("failed to restore cache window",
			"path", store.Dir(),
			"error", err,
		)
		return result, err
	}
	result.Restored = restored

	logger.Info("restored cache from previous run",
		"path", store.Dir(),
		"entries", restored,
		"orphans_removed", orphans,
	)
	return result, nil
}
