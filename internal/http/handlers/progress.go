package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

const defaultEventSubscriberBuffer = 128

// ProgressHandler streams job events over Server-Sent Events.
type ProgressHandler struct {
	manager           *job.Manager
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(manager *job.Manager) *ProgressHandler {
	return &ProgressHandler{
		manager:           manager,
		heartbeatInterval: 30 * time.Second,
		logger:            slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ProgressHandler) WithLogger(logger *slog.Logger) *ProgressHandler {
	h.logger = logger
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *ProgressHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterChiRoutes registers the SSE endpoint, which huma cannot stream.
func (h *ProgressHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/events", h.handleSSEEvents)
}

// handleSSEEvents streams every job event, or only those of one cache ID
// when ?id= is given.
func (h *ProgressHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	var filter cache.Key
	if id := r.URL.Query().Get("id"); id != "" {
		key, err := cache.ParseKey(id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filter = key
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, unsubscribe := h.manager.Subscribe(defaultEventSubscriberBuffer)
	defer unsubscribe()

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && event.Key != filter.String() {
				continue
			}
			if err := writeSSEEvent(w, event); err != nil {
				h.logger.Debug("failed to write SSE event",
					slog.String("event_type", string(event.Type)),
					slog.String("cache_key", event.Key),
					slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes one event as a single SSE message.
func writeSSEEvent(w http.ResponseWriter, event job.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	message := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event.Type, data)
	n, err := w.Write(message)
	if err != nil {
		return err
	}
	if n < len(message) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(message))
	}
	return nil
}
