// Package fetch materializes remote sources into local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/metrics"
	"github.com/jmylchreest/mp4proxy/internal/observability"
	"github.com/jmylchreest/mp4proxy/pkg/httpclient"
)

// ErrFetchFailed is returned when a download fails for good.
var ErrFetchFailed = errors.New("source fetch failed")

const minBurst = 64 * 1024

// Options configures a Fetcher.
type Options struct {
	AttemptTimeout   time.Duration
	TransientRetries int
	StatusRetries    int
	RetryDelay       time.Duration
	RetryJitter      float64
	// MaxBytesPerSecond throttles downloads; 0 means unlimited.
	MaxBytesPerSecond int64
	Logger            *slog.Logger
	// HTTPClient overrides the underlying client, for tests.
	HTTPClient *http.Client
}

// Result describes a completed download.
type Result struct {
	Bytes    int64
	Attempts int
	Duration time.Duration
}

// Fetcher downloads sources with retries.
type Fetcher struct {
	client  *httpclient.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := observability.WithComponent(opts.Logger, "fetch")

	cfg := httpclient.DefaultConfig()
	cfg.AttemptTimeout = opts.AttemptTimeout
	cfg.TransientRetries = opts.TransientRetries
	cfg.StatusRetries = opts.StatusRetries
	cfg.RetryDelay = opts.RetryDelay
	cfg.RetryJitter = opts.RetryJitter
	cfg.Logger = logger
	cfg.BaseClient = opts.HTTPClient
	cfg.OnAttempt = func(outcome string) {
		metrics.FetchAttemptsTotal.WithLabelValues(outcome).Inc()
	}

	f := &Fetcher{client: httpclient.New(cfg), logger: logger}
	if opts.MaxBytesPerSecond > 0 {
		burst := max(int(opts.MaxBytesPerSecond), minBurst)
		f.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSecond), burst)
	}
	return f
}

// Fetch downloads rawURL into dest, following redirects. Only http and https
// URLs are accepted. Every attempt rewrites dest from the start; on failure
// dest is removed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) (Result, error) {
	var result Result

	normalized, err := cache.Normalize(rawURL)
	if err != nil {
		return result, err
	}

	start := time.Now()
	logger := f.logger.With(slog.String("url", observability.SafeURL(normalized)))
	logger.Debug("fetching source", slog.String("dest", dest))

	err = f.client.Stream(ctx, normalized, func(ctx context.Context, attempt int, resp *http.Response) error {
		result.Attempts = attempt
		n, err := f.writeBody(ctx, dest, resp.Body)
		result.Bytes = n
		return err
	})
	result.Duration = time.Since(start)

	if err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove partial download",
				slog.String("dest", dest),
				slog.String("error", rmErr.Error()))
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger.Warn("source fetch failed", slog.String("error", err.Error()))
		return result, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	metrics.FetchBytesTotal.Add(float64(result.Bytes))
	logger.Info("source fetched",
		slog.Int64("bytes", result.Bytes),
		slog.Int("attempts", result.Attempts),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func (f *Fetcher) writeBody(ctx context.Context, dest string, body io.Reader) (int64, error) {
	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}

	var r io.Reader = body
	if f.limiter != nil {
		r = &throttledReader{ctx: ctx, r: body, limiter: f.limiter}
	}

	n, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("closing %s: %w", dest, closeErr)
	}
	return n, nil
}

// throttledReader limits read throughput with a token bucket.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
