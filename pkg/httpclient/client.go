// Package httpclient provides a resilient HTTP client for downloading media
// sources: per-attempt timeouts, separate retry budgets for transient and
// status failures with linear jittered backoff, a per-host circuit breaker
// and transparent decompression.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultAttemptTimeout       = 2 * time.Minute
	DefaultTransientRetries     = 4
	DefaultStatusRetries        = 1
	DefaultRetryDelay           = 500 * time.Millisecond
	DefaultRetryJitter          = 0.3
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "mp4proxy/1.0"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Attempt outcomes passed to Config.OnAttempt.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// AttemptTimeout bounds one attempt, including consuming the body.
	AttemptTimeout time.Duration

	// TransientRetries is the retry budget for network errors, attempt
	// timeouts and retryable status codes (408, 429, 502, 503, 504).
	TransientRetries int

	// StatusRetries is the retry budget for other non-2xx responses.
	StatusRetries int

	// RetryDelay is the linear backoff base: attempt n waits n*RetryDelay.
	RetryDelay time.Duration

	// RetryJitter is the +/- fraction applied to each delay.
	RetryJitter float64

	// CircuitThreshold is the number of consecutive failures before a host's
	// circuit opens.
	CircuitThreshold int

	// CircuitTimeout is how long a circuit stays open before a probe request.
	CircuitTimeout time.Duration

	UserAgent string
	Logger    *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// OnAttempt, when set, is called once per attempt with its outcome.
	OnAttempt func(outcome string)

	// BaseClient is the underlying http.Client. If nil, a default is used.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout:      DefaultAttemptTimeout,
		TransientRetries:    DefaultTransientRetries,
		StatusRetries:       DefaultStatusRetries,
		RetryDelay:          DefaultRetryDelay,
		RetryJitter:         DefaultRetryJitter,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is a resilient HTTP client with per-host circuit breakers.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates a new resilient HTTP client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = DefaultCircuitThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultCircuitTimeout
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		// No overall timeout: downloads are bounded per attempt.
		baseClient = &http.Client{}
	}

	return &Client{
		config:   cfg,
		client:   baseClient,
		logger:   cfg.Logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// NewWithDefaults creates a new client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// ConsumeFunc processes one successful (2xx) response. It runs inside the
// attempt's timeout; returning a transient error retries the whole attempt.
type ConsumeFunc func(ctx context.Context, attempt int, resp *http.Response) error

// Get performs a GET and returns the first successful response. The caller
// must close the body. AttemptTimeout does not apply to reading the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var out *http.Response
	err := c.do(ctx, url, false, func(_ context.Context, _ int, resp *http.Response) error {
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream performs a GET and hands the response to consume. Request and
// consumption together form one attempt: both are bounded by AttemptTimeout
// and retried per the client's retry policy.
func (c *Client) Stream(ctx context.Context, url string, consume ConsumeFunc) error {
	return c.do(ctx, url, true, consume)
}

func (c *Client) do(ctx context.Context, url string, bounded bool, consume ConsumeFunc) error {
	breaker, err := c.breakerFor(url)
	if err != nil {
		return err
	}

	var (
		lastErr        error
		transientCount int
		statusCount    int
	)

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := Backoff(c.config.RetryDelay, attempt-1, c.config.RetryJitter)
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", url),
			)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if !breaker.Allow() {
			c.report(OutcomeFailed)
			return fmt.Errorf("%w: %s", ErrCircuitOpen, url)
		}

		start := time.Now()
		err := c.attempt(ctx, url, attempt, bounded, consume)
		if err == nil {
			breaker.RecordSuccess()
			c.report(OutcomeSuccess)
			return nil
		}

		// The caller gave up; that is not a failure of the source.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		breaker.RecordFailure()
		lastErr = err

		var budget, used *int
		switch {
		case IsTransient(err):
			budget, used = &c.config.TransientRetries, &transientCount
		case isStatusError(err):
			budget, used = &c.config.StatusRetries, &statusCount
		default:
			c.report(OutcomeFailed)
			return err
		}

		c.logger.Warn("request failed",
			slog.String("url", url),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
		)

		if *used >= *budget {
			c.report(OutcomeFailed)
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, attempt, lastErr)
		}
		*used++
		c.report(OutcomeRetry)
	}
}

func (c *Client) attempt(ctx context.Context, url string, n int, bounded bool, consume ConsumeFunc) error {
	attemptCtx := ctx
	if bounded && c.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.config.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return attemptError(attemptCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return &StatusError{Code: resp.StatusCode}
	}

	c.logger.Debug("request completed",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Int64("content_length", resp.ContentLength),
	)

	if c.config.EnableDecompression {
		resp.Body = c.wrapDecompression(resp)
	}

	if !bounded {
		return consume(attemptCtx, n, resp)
	}
	defer resp.Body.Close()
	if err := consume(attemptCtx, n, resp); err != nil {
		return attemptError(attemptCtx, err)
	}
	return nil
}

// attemptError marks errors caused by the attempt deadline as transient.
func attemptError(attemptCtx context.Context, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TransientError{Err: fmt.Errorf("attempt timed out: %w", err)}
	}
	return err
}

func (c *Client) report(outcome string) {
	if c.config.OnAttempt != nil {
		c.config.OnAttempt(outcome)
	}
}

func (c *Client) breakerFor(rawURL string) (*CircuitBreaker, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	host := req.URL.Host

	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(c.config.CircuitThreshold, c.config.CircuitTimeout)
		c.breakers[host] = cb
	}
	return cb, nil
}

// CircuitState returns the circuit state for the host of rawURL.
func (c *Client) CircuitState(rawURL string) CircuitState {
	cb, err := c.breakerFor(rawURL)
	if err != nil {
		return CircuitClosed
	}
	return cb.State()
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(HeaderContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case EncodingGzip:
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case EncodingDeflate:
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}

	case EncodingBrotli:
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}
