// Package observability provides logging helpers for mp4proxy.
package observability

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/mp4proxy/internal/config"
)

// LevelTrace is below debug and used for per-chunk and per-progress-line logging.
const LevelTrace = slog.Level(-8)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// loggerKey is the context key for the logger.
	loggerKey contextKey = "logger"
)

var (
	levelVar       = new(slog.LevelVar)
	requestLogging atomic.Bool
)

// defaultSensitiveKeys are attribute keys and query parameters that are always redacted.
var defaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "access_token", "apikey", "api_key",
	"credential", "authorization", "cookie", "set-cookie", "sig", "signature",
}

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// The level is shared process-wide so it can be changed at runtime with SetLogLevel.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	levelVar.Set(parseLevel(cfg.Level))

	keys := sensitiveKeySet(cfg.RedactFields)
	redactStructs := masq.New(masqOptions(keys)...)
	queryPattern := sensitiveQueryPattern(keys)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey && len(groups) == 0:
				if cfg.TimeFormat != "" {
					if t, ok := a.Value.Any().(time.Time); ok {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
				}
				return a
			case a.Key == slog.LevelKey && len(groups) == 0:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
				return a
			}

			if _, ok := keys[strings.ToLower(a.Key)]; ok {
				return slog.String(a.Key, RedactedValue)
			}
			switch a.Value.Kind() {
			case slog.KindString:
				s := a.Value.String()
				if strings.Contains(s, "=") && strings.ContainsAny(s, "?&") {
					return slog.String(a.Key, queryPattern.ReplaceAllString(s, "${1}"+RedactedValue))
				}
			case slog.KindAny:
				if _, isErr := a.Value.Any().(error); !isErr {
					return redactStructs(groups, a)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

func sensitiveKeySet(extra []string) map[string]struct{} {
	keys := make(map[string]struct{}, len(defaultSensitiveKeys)+len(extra))
	for _, k := range defaultSensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// masqOptions covers struct and map values, whose field names are matched
// in the common casings.
func masqOptions(keys map[string]struct{}) []masq.Option {
	opts := []masq.Option{masq.WithRedactMessage(RedactedValue)}
	for k := range keys {
		opts = append(opts,
			masq.WithFieldName(k),
			masq.WithFieldName(strings.ToUpper(k[:1])+k[1:]),
		)
	}
	return opts
}

func sensitiveQueryPattern(keys map[string]struct{}) *regexp.Regexp {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`(?i)([?&](?:` + strings.Join(names, "|") + `)=)[^&#\s"]*`)
}

// SafeURL returns raw with any userinfo password and sensitive query values
// replaced, suitable for logging source URLs.
func SafeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return sensitiveQueryPattern(sensitiveKeySet(nil)).ReplaceAllString(u.String(), "${1}"+RedactedValue)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the level of every logger built by NewLoggerWithWriter.
// Unknown names fall back to info.
func SetLogLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// GetLogLevel returns the current level name.
func GetLogLevel() string {
	switch lvl := levelVar.Level(); {
	case lvl <= LevelTrace:
		return "trace"
	case lvl <= slog.LevelDebug:
		return "debug"
	case lvl <= slog.LevelInfo:
		return "info"
	case lvl <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// IsValidLogLevel reports whether level is a recognised level name.
func IsValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// SetRequestLogging toggles logging of successful HTTP requests.
func SetRequestLogging(enabled bool) {
	requestLogging.Store(enabled)
}

// IsRequestLoggingEnabled reports whether successful HTTP requests are logged.
func IsRequestLoggingEnabled() bool {
	return requestLogging.Load()
}

// WithApp adds the application name to the logger.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithJob tags the logger with a job's cache key.
func WithJob(logger *slog.Logger, key string) *slog.Logger {
	return logger.With(slog.String("cache_key", key))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation. The error
// pointer is read when the returned func runs so a deferred call sees the
// final error.
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
