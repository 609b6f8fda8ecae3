package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/metrics"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// finishedRetention is how long terminal jobs stay listed.
const finishedRetention = 10 * time.Minute

// Outcome is how a request was resolved.
type Outcome int

const (
	// OutcomeHit means a valid cache entry exists and no job was started.
	OutcomeHit Outcome = iota + 1
	// OutcomeStarted means a new job was created.
	OutcomeStarted
	// OutcomeAttached means an unfinished job for the key already existed.
	OutcomeAttached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeStarted:
		return "miss"
	case OutcomeAttached:
		return "attach"
	default:
		return "unknown"
	}
}

// Resolution is the result of Resolve.
type Resolution struct {
	Key     cache.Key
	Outcome Outcome
	// Job is nil for a cache hit with no retained job.
	Job *Job
}

// Options configures a Manager.
type Options struct {
	Store    *cache.Store
	Encoder  Encoder
	Fetcher  Fetcher
	Prober   DurationProber
	Settings *Settings
	// HWAccel is the resolved acceleration tag, empty for software.
	HWAccel string
	// PrefetchSource downloads sources before encoding even when streaming.
	PrefetchSource bool
	// HubChunks is how many output writes the live hub retains.
	HubChunks int
	Logger    *slog.Logger
}

// Manager owns the registry of jobs, one per cache key at most.
type Manager struct {
	store    *cache.Store
	encoder  Encoder
	fetcher  Fetcher
	prober   DurationProber
	settings *Settings
	hwaccel  string
	prefetch bool
	hubSize  int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *eventBus

	mu     sync.Mutex
	jobs   map[cache.Key]*Job
	closed bool
}

// NewManager creates a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Encoder == nil || opts.Settings == nil {
		return nil, errors.New("job manager requires a store, an encoder and settings")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    opts.Store,
		encoder:  opts.Encoder,
		fetcher:  opts.Fetcher,
		prober:   opts.Prober,
		settings: opts.Settings,
		hwaccel:  opts.HWAccel,
		prefetch: opts.PrefetchSource,
		hubSize:  opts.HubChunks,
		logger:   observability.WithComponent(opts.Logger, "jobs"),
		ctx:      ctx,
		cancel:   cancel,
		events:   newEventBus(),
		jobs:     make(map[cache.Key]*Job),
	}, nil
}

// Store returns the cache store.
func (m *Manager) Store() *cache.Store { return m.store }

// Settings returns the runtime settings.
func (m *Manager) Settings() *Settings { return m.settings }

// Resolve maps a source URL to its cache key and either reports a cache
// hit, attaches to the unfinished job for the key, or starts a new one.
// At most one unfinished job exists per key.
func (m *Manager) Resolve(sourceURL string) (Resolution, error) {
	normalized, err := cache.Normalize(sourceURL)
	if err != nil {
		return Resolution{}, err
	}
	key := cache.KeyFor(normalized)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Resolution{}, ErrShuttingDown
	}
	m.pruneLocked()

	existing := m.jobs[key]
	if existing != nil && !existing.State().Terminal() {
		metrics.CacheLookupsTotal.WithLabelValues(OutcomeAttached.String()).Inc()
		return Resolution{Key: key, Outcome: OutcomeAttached, Job: existing}, nil
	}

	if m.store.IsValid(key) {
		metrics.CacheLookupsTotal.WithLabelValues(OutcomeHit.String()).Inc()
		res := Resolution{Key: key, Outcome: OutcomeHit}
		if existing != nil && existing.State() == StateReady {
			res.Job = existing
		}
		return res, nil
	}

	if !m.store.MarkActive(key) {
		return Resolution{}, fmt.Errorf("cache entry %s is busy", key.Short())
	}

	preset := m.settings.Preset()
	job := newJob(m.ctx, ulid.Make().String(), key, normalized, preset.Name, m.hubSize, m.events)
	job.state = StateFetching
	if !m.needsFetch() {
		job.state = StateEncoding
	}
	m.jobs[key] = job

	metrics.CacheLookupsTotal.WithLabelValues(OutcomeStarted.String()).Inc()
	metrics.TranscodeJobsInProgress.Inc()

	m.wg.Add(1)
	go m.run(job, preset, job.state == StateFetching)

	return Resolution{Key: key, Outcome: OutcomeStarted, Job: job}, nil
}

func (m *Manager) needsFetch() bool {
	return m.fetcher != nil && (m.prefetch || m.settings.WaitForComplete())
}

// Lookup returns the job currently registered for key.
func (m *Manager) Lookup(key cache.Key) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok
}

// Cancel stops the unfinished job for key and waits for it to finish. Its
// partial entry is deleted and its waiters receive ErrCancelled.
func (m *Manager) Cancel(ctx context.Context, key cache.Key) error {
	j, ok := m.Lookup(key)
	if !ok || j.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	j.Cancel()
	select {
	case <-j.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns snapshots of all retained jobs, newest first.
func (m *Manager) Jobs() []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// ActiveCount returns the number of unfinished jobs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.State().Terminal() {
			n++
		}
	}
	return n
}

// Subscribe delivers events of all jobs until unsubscribe is called or the
// manager shuts down.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// Shutdown stops accepting work, cancels all unfinished jobs and waits for
// their owners to clean up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.events.close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneLocked forgets terminal jobs after the retention period.
func (m *Manager) pruneLocked() {
	cutoff := time.Now().Add(-finishedRetention)
	for key, j := range m.jobs {
		if at := j.FinishedAt(); !at.IsZero() && at.Before(cutoff) {
			delete(m.jobs, key)
		}
	}
}

// run is the owner of job: the only goroutine that writes its cache entry
// or changes its state.
func (m *Manager) run(job *Job, preset ffmpeg.Preset, fetchFirst bool) {
	defer m.wg.Done()

	logger := observability.WithJob(m.logger, job.Key.String()).With(slog.String("job_id", job.ID))
	logger.Info("transcode started",
		slog.String("source", observability.SafeURL(job.Source)),
		slog.String("preset", preset.Name),
		slog.Bool("fetch", fetchFirst))

	err := m.execute(job, preset, fetchFirst, logger)
	m.complete(job, err, logger)
}

func (m *Manager) execute(job *Job, preset ffmpeg.Preset, fetchFirst bool, logger *slog.Logger) error {
	ctx := job.ctx
	input := job.Source

	if fetchFirst {
		job.emit(Event{Type: EventState, State: StateFetching})
		srcPath := m.store.SourcePath(job.Key)
		if _, err := m.fetcher.Fetch(ctx, job.Source, srcPath); err != nil {
			return err
		}
		defer func() {
			if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove downloaded source", slog.String("error", err.Error()))
			}
		}()
		input = srcPath
	}

	var total time.Duration
	if m.prober != nil {
		total = m.prober.Duration(ctx, input)
		job.setTotal(total)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	file, err := os.Create(m.store.PathFor(job.Key))
	if err != nil {
		return fmt.Errorf("creating cache entry: %w", err)
	}

	job.setState(StateEncoding)
	proc, err := m.encoder.Start(ctx, ffmpeg.EncodeRequest{
		Key:      job.Key.String(),
		Input:    input,
		Output:   &entryWriter{file: file, job: job},
		Preset:   preset,
		HWAccel:  m.hwaccel,
		Duration: total,
	})
	if err != nil {
		file.Close()
		return err
	}
	job.setProcess(proc)

	for p := range proc.Progress() {
		job.observe(p)
	}

	waitErr := proc.Wait()
	closeErr := file.Close()
	if waitErr != nil {
		return waitErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing cache entry: %w", closeErr)
	}
	return nil
}

// complete performs the terminal transition: Ready records the entry in the
// eviction window, anything else deletes the partial entry. The key is
// unmarked and the state set under the registry lock so Resolve never sees
// an inactive key with an unfinished job.
func (m *Manager) complete(job *Job, err error, logger *slog.Logger) {
	state, cause := job.terminalState(err)
	if state == StateReady && job.Size() <= m.store.MinValidSize() {
		state = StateFailed
		cause = fmt.Errorf("%w: output too small (%d bytes)", ffmpeg.ErrEncoderFailed, job.Size())
	}

	if state == StateReady {
		size := job.Size()
		m.store.Record(job.Key)
		logger.Info("transcode ready",
			slog.Int64("size", size),
			slog.Duration("duration", time.Since(job.StartedAt)))
	} else {
		if rmErr := m.store.Remove(job.Key); rmErr != nil {
			logger.Warn("failed to remove partial entry", slog.String("error", rmErr.Error()))
		}
		if state == StateCancelled {
			logger.Info("transcode cancelled")
		} else {
			attrs := []any{slog.String("error", cause.Error())}
			var exitErr *ffmpeg.ExitError
			if errors.As(cause, &exitErr) {
				attrs = append(attrs, slog.Int("exit_code", exitErr.Code), slog.String("stderr", exitErr.Diagnostics()))
			}
			logger.Error("transcode failed", attrs...)
		}
	}

	m.mu.Lock()
	m.store.UnmarkActive(job.Key)
	job.finish(state, cause)
	m.mu.Unlock()

	metrics.TranscodeJobsInProgress.Dec()
	metrics.TranscodeJobsTotal.WithLabelValues(state.String()).Inc()
	metrics.TranscodeJobDuration.Observe(time.Since(job.StartedAt).Seconds())
}
