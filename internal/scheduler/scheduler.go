// Package scheduler runs periodic cache maintenance on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/metrics"
)

// Scheduler sweeps orphaned files from the cache directory.
type Scheduler struct {
	mu sync.RWMutex

	store  *cache.Store
	logger *slog.Logger

	// cron parser for validating/parsing the schedule
	parser   cron.Parser
	schedule cron.Schedule
	spec     string

	orphanMaxAge time.Duration

	// Running state
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun time.Time
	nextRun time.Time
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string

	// OrphanMaxAge is the age after which untracked files are removed.
	// Default: 1 hour
	OrphanMaxAge time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Schedule:     "@every 10m",
		OrphanMaxAge: time.Hour,
	}
}

// NewScheduler creates a scheduler for store. It returns an error when the
// schedule does not parse.
func NewScheduler(store *cache.Store, config SchedulerConfig) (*Scheduler, error) {
	defaults := DefaultSchedulerConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.OrphanMaxAge <= 0 {
		config.OrphanMaxAge = defaults.OrphanMaxAge
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", config.Schedule, err)
	}

	return &Scheduler{
		store:        store,
		logger:       slog.Default(),
		parser:       parser,
		schedule:     schedule,
		spec:         config.Schedule,
		orphanMaxAge: config.OrphanMaxAge,
	}, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Start begins the maintenance loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.nextRun = s.schedule.Next(time.Now())

	s.wg.Add(1)
	go s.loop(s.ctx)

	s.logger.Info("scheduler started",
		slog.String("schedule", s.spec),
		slog.Duration("orphan_max_age", s.orphanMaxAge),
		slog.Time("next_run", s.nextRun))

	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// NextRun returns when the next sweep is due, zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return time.Time{}
	}
	return s.nextRun
}

// LastRun returns when the last sweep ran.
func (s *Scheduler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		next := s.nextRun
		s.mu.RUnlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.RunOnce()

		s.mu.Lock()
		s.nextRun = s.schedule.Next(time.Now())
		s.mu.Unlock()
	}
}

// RunOnce performs one maintenance pass: orphaned files are removed and the
// cache gauges refreshed.
func (s *Scheduler) RunOnce() {
	start := time.Now()

	removed, err := s.store.SweepOrphans(s.orphanMaxAge)
	if err != nil {
		s.logger.Error("cache sweep failed", slog.String("error", err.Error()))
	}

	info, err := s.store.Usage()
	if err != nil {
		s.logger.Warn("failed to read cache info", slog.String("error", err.Error()))
	}
	metrics.CacheFiles.Set(float64(len(s.store.Entries())))

	s.mu.Lock()
	s.lastRun = start
	s.mu.Unlock()

	level := slog.LevelDebug
	if removed > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "cache sweep completed",
		slog.Int("removed", removed),
		slog.Int("files", info.FileCount),
		slog.Int64("total_size", info.TotalSize),
		slog.Duration("duration", time.Since(start)))
}

// ValidateCron validates a cron expression or descriptor.
func ValidateCron(expr string) error {
	_, err := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(expr)
	return err
}
