package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/mp4proxy/internal/metrics"
)

// ErrLocked is returned by Open when another process holds the cache directory.
var ErrLocked = errors.New("cache directory is locked by another instance")

const (
	lockFileName   = ".mp4proxy.lock"
	entryPrefix    = "transcode-"
	entrySuffix    = ".mp4"
	sourcePrefix   = "src-"
	sourceSuffix   = ".part"
	defaultWindow  = 5
	defaultMinSize = 64 * 1024
)

// Options configures a Store.
type Options struct {
	Dir string
	// WindowSize is the capacity of the eviction window.
	WindowSize int
	// MinValidSize is the smallest file considered a plausible artifact.
	MinValidSize int64
	Logger       *slog.Logger
}

// Entry is one completed artifact tracked by the eviction window.
type Entry struct {
	Key        Key       `json:"cacheId"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	RecordedAt time.Time `json:"recordedAt"`
	Active     bool      `json:"active"`
}

// Usage summarises the cache directory.
type Usage struct {
	FileCount int   `json:"fileCount"`
	TotalSize int64 `json:"totalSize"`
}

// ClearResult reports what ClearAll did.
type ClearResult struct {
	Removed int   `json:"removed"`
	Freed   int64 `json:"freed"`
	Skipped int   `json:"skipped"`
}

// Store owns the cache directory, the eviction window and the active set.
// It is safe for concurrent use.
type Store struct {
	dir        string
	windowSize int
	minValid   int64
	logger     *slog.Logger
	lock       *flock.Flock

	mu     sync.Mutex
	window []Entry
	active map[Key]struct{}
}

// Open creates the cache directory if needed and takes an exclusive lock on
// it. Returns ErrLocked when another instance already owns the directory.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(opts.Dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking cache directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, opts.Dir)
	}

	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindow
	}
	if opts.MinValidSize <= 0 {
		opts.MinValidSize = defaultMinSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		dir:        opts.Dir,
		windowSize: opts.WindowSize,
		minValid:   opts.MinValidSize,
		logger:     opts.Logger.With(slog.String("component", "cache")),
		lock:       lock,
		active:     make(map[Key]struct{}),
	}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// WindowSize returns the eviction window capacity.
func (s *Store) WindowSize() int { return s.windowSize }

// PathFor returns the artifact path of key.
func (s *Store) PathFor(key Key) string {
	return filepath.Join(s.dir, entryPrefix+string(key)+entrySuffix)
}

// SourcePath returns a fresh temporary path for a downloaded source of key.
func (s *Store) SourcePath(key Key) string {
	return filepath.Join(s.dir, sourcePrefix+string(key)+"-"+ulid.Make().String()+sourceSuffix)
}

// IsValid reports whether key has a usable finished artifact: the file
// exists, no job is producing it and it is larger than the minimum size.
func (s *Store) IsValid(key Key) bool {
	if s.IsActive(key) {
		return false
	}
	fi, err := os.Stat(s.PathFor(key))
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular() && fi.Size() > s.minValid
}

// MinValidSize is the size an entry must exceed to be valid.
func (s *Store) MinValidSize() int64 { return s.minValid }

// Stat returns the current size and modification time of key's file.
func (s *Store) Stat(key Key) (int64, time.Time, error) {
	fi, err := os.Stat(s.PathFor(key))
	if err != nil {
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

// MarkActive adds key to the active set. It returns false if key was
// already active.
func (s *Store) MarkActive(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

// UnmarkActive removes key from the active set.
func (s *Store) UnmarkActive(key Key) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()
}

// IsActive reports whether a job is producing key.
func (s *Store) IsActive(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

// Record inserts a completed artifact into the eviction window and evicts
// the oldest entries beyond capacity. Active entries and the one just
// recorded are never evicted. Deletion failures are logged and skipped.
func (s *Store) Record(key Key) []Key {
	path := s.PathFor(key)
	entry := Entry{Key: key, Path: path, RecordedAt: time.Now()}
	if fi, err := os.Stat(path); err == nil {
		entry.Size = fi.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = slices.DeleteFunc(s.window, func(e Entry) bool { return e.Key == key })
	s.window = append(s.window, entry)

	evicted := s.enforceLocked(key)
	metrics.CacheFiles.Set(float64(len(s.window)))
	return evicted
}

// enforceLocked drops the oldest evictable entries until the window fits.
func (s *Store) enforceLocked(keep Key) []Key {
	var evicted []Key
	for len(s.window) > s.windowSize {
		idx := -1
		for i, e := range s.window {
			if e.Key == keep {
				continue
			}
			if _, busy := s.active[e.Key]; busy {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			// everything left is active or just recorded
			break
		}

		victim := s.window[idx]
		s.window = slices.Delete(s.window, idx, idx+1)
		if err := os.Remove(victim.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to evict cache entry",
				slog.String("cache_key", victim.Key.String()),
				slog.String("error", err.Error()))
			continue
		}
		evicted = append(evicted, victim.Key)
		metrics.CacheEvictionsTotal.Inc()
		s.logger.Info("evicted cache entry",
			slog.String("cache_key", victim.Key.String()),
			slog.Int64("size", victim.Size))
	}
	return evicted
}

// Remove deletes key's artifact and forgets it. A missing file is not an error.
func (s *Store) Remove(key Key) error {
	s.mu.Lock()
	s.window = slices.DeleteFunc(s.window, func(e Entry) bool { return e.Key == key })
	metrics.CacheFiles.Set(float64(len(s.window)))
	s.mu.Unlock()

	if err := os.Remove(s.PathFor(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache entry %s: %w", key, err)
	}
	return nil
}

// ClearAll deletes every artifact and downloaded source in the cache
// directory except those belonging to active jobs.
func (s *Store) ClearAll() (ClearResult, error) {
	var result ClearResult

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return result, fmt.Errorf("reading cache directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		key, ok := keyFromName(de.Name())
		if !ok {
			continue
		}
		if _, busy := s.active[key]; busy {
			result.Skipped++
			continue
		}

		var size int64
		if fi, err := de.Info(); err == nil {
			size = fi.Size()
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove cache file",
				slog.String("file", de.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		result.Removed++
		result.Freed += size
	}

	s.window = slices.DeleteFunc(s.window, func(e Entry) bool {
		_, busy := s.active[e.Key]
		return !busy
	})
	metrics.CacheFiles.Set(float64(len(s.window)))

	s.logger.Info("cleared cache",
		slog.Int("removed", result.Removed),
		slog.Int64("freed_bytes", result.Freed),
		slog.Int("skipped_active", result.Skipped))

	return result, errors.Join(errs...)
}

// Usage counts the artifact and source files currently in the cache
// directory, finished or in progress.
func (s *Store) Usage() (Usage, error) {
	var info Usage
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return info, fmt.Errorf("reading cache directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if _, ok := keyFromName(de.Name()); !ok {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		info.FileCount++
		info.TotalSize += fi.Size()
	}
	return info, nil
}

// Entries returns the eviction window, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.window))
	for i, e := range s.window {
		_, e.Active = s.active[e.Key]
		out[i] = e
	}
	return out
}

// Scan lists the artifacts on disk, oldest first by modification time,
// without touching the eviction window. Files at or below the minimum
// valid size are skipped.
func (s *Store) Scan() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	var found []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, entryPrefix) {
			continue
		}
		key, ok := keyFromName(name)
		if !ok {
			continue
		}
		fi, err := de.Info()
		if err != nil || fi.Size() <= s.minValid {
			continue
		}
		found = append(found, Entry{
			Key:        key,
			Path:       filepath.Join(s.dir, name),
			Size:       fi.Size(),
			RecordedAt: fi.ModTime(),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].RecordedAt.Before(found[j].RecordedAt) })
	return found, nil
}

// Load rebuilds the eviction window from Scan and enforces capacity. Files
// too small to be valid are left for the orphan sweep.
func (s *Store) Load() (int, error) {
	found, err := s.Scan()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = found
	s.enforceLocked("")
	metrics.CacheFiles.Set(float64(len(s.window)))

	s.logger.Debug("loaded cache window", slog.Int("entries", len(s.window)))
	return len(s.window), nil
}

// SweepOrphans removes files older than maxAge that no job owns and the
// window does not track: leftover source downloads and truncated artifacts
// from a previous crash.
func (s *Store) SweepOrphans(maxAge time.Duration) (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading cache directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	tracked := make(map[string]struct{}, len(s.window))
	for _, e := range s.window {
		tracked[e.Path] = struct{}{}
	}
	active := make(map[Key]struct{}, len(s.active))
	for k := range s.active {
		active[k] = struct{}{}
	}
	s.mu.Unlock()

	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		key, ok := keyFromName(de.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		if _, busy := active[key]; busy {
			continue
		}
		if _, ok := tracked[path]; ok {
			continue
		}

		fi, err := de.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			s.logger.Debug("preserving recent cache file",
				slog.String("file", de.Name()),
				slog.Duration("age", time.Since(fi.ModTime())))
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove orphaned cache file",
				slog.String("file", de.Name()),
				slog.String("error", err.Error()))
			continue
		}
		removed++
		s.logger.Info("removed orphaned cache file",
			slog.String("file", de.Name()),
			slog.Int64("size", fi.Size()))
	}
	return removed, nil
}

// keyFromName extracts the key from an artifact or source file name.
func keyFromName(name string) (Key, bool) {
	var stem string
	switch {
	case strings.HasPrefix(name, entryPrefix) && strings.HasSuffix(name, entrySuffix):
		stem = strings.TrimSuffix(strings.TrimPrefix(name, entryPrefix), entrySuffix)
	case strings.HasPrefix(name, sourcePrefix) && strings.HasSuffix(name, sourceSuffix):
		stem = strings.TrimPrefix(name, sourcePrefix)
		if i := strings.IndexByte(stem, '-'); i >= 0 {
			stem = stem[:i]
		}
	default:
		return "", false
	}
	key, err := ParseKey(stem)
	if err != nil {
		return "", false
	}
	return key, true
}
