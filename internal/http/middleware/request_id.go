package middleware

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// RequestIDHeader is the HTTP header for request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns a middleware that injects a request ID and a logger
// tagged with it into the context. If the request already has an
// X-Request-ID header, it will be used. Otherwise, a new UUID will be
// generated.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			w.Header().Set(RequestIDHeader, requestID)

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			ctx = observability.ContextWithLogger(ctx, observability.WithRequestID(logger, requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the request ID from the request context.
func GetRequestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}
