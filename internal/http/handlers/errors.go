// Package handlers provides the HTTP handlers for mp4proxy.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/fetch"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

// statusClientClosedRequest is the nginx convention for a request whose
// client went away before a response was ready.
const statusClientClosedRequest = 499

// errEntryNotFound is returned for a key with neither a job nor a valid entry.
var errEntryNotFound = errors.New("cache entry not found")

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidURL),
		errors.Is(err, cache.ErrInvalidKey),
		errors.Is(err, ffmpeg.ErrUnknownPreset):
		return http.StatusBadRequest
	case errors.Is(err, errEntryNotFound),
		errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, job.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, job.ErrNotReady),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ffmpeg.ErrEncoderFailed),
		errors.Is(err, ffmpeg.ErrBinaryNotFound),
		errors.Is(err, fetch.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, job.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts err into a huma error with the mapped status.
func apiError(err error) error {
	return huma.NewError(statusFor(err), err.Error())
}

// writeError writes a plain text error for the raw handlers. Nothing is
// written once the client has gone.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == statusClientClosedRequest {
		logger.Debug("client went away", slog.String("error", err.Error()))
		w.WriteHeader(status)
		return
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	http.Error(w, err.Error(), status)
}
