package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/job"
	"github.com/jmylchreest/mp4proxy/internal/metrics"
)

const contentTypeMP4 = "video/mp4"

// Serving modes, also used as metric labels.
const (
	modeFile    = "file"
	modePartial = "partial"
	modeLive    = "live"
)

// FileHandler serves cache entries: finished files with range support, and
// entries still being encoded according to the serving policy.
type FileHandler struct {
	manager           *job.Manager
	policy            job.StablePolicy
	completionTimeout time.Duration
	logger            *slog.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(manager *job.Manager, policy job.StablePolicy, completionTimeout time.Duration) *FileHandler {
	return &FileHandler{
		manager:           manager,
		policy:            policy,
		completionTimeout: completionTimeout,
		logger:            slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *FileHandler) WithLogger(logger *slog.Logger) *FileHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers /file as raw Chi handlers. The responses need
// full control over status, Content-Length and streaming, which huma's
// response model does not give.
func (h *FileHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/file", h.handleGet)
	router.Head("/file", h.handleHead)
}

func (h *FileHandler) parseKey(w http.ResponseWriter, r *http.Request) (cache.Key, bool) {
	key, err := cache.ParseKey(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return "", false
	}
	return key, true
}

// unavailable explains why a key has no servable entry: the failure of its
// last job when there is one, not found otherwise.
func unavailable(j *job.Job) error {
	if j != nil {
		if err := j.Err(); err != nil {
			return err
		}
	}
	return errEntryNotFound
}

// handleHead reports the size of an entry. An entry still being encoded has
// no meaningful size until it has been declared playable; until then the
// client is asked to retry. Afterwards it reports the declared size, which
// is what GET sends.
func (h *FileHandler) handleHead(w http.ResponseWriter, r *http.Request) {
	key, ok := h.parseKey(w, r)
	if !ok {
		return
	}

	j, found := h.manager.Lookup(key)
	if found && !j.State().Terminal() {
		size, declared := j.Declared()
		if !declared {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", contentTypeMP4)
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Accept-Ranges", "none")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.manager.Store().IsValid(key) {
		writeError(w, h.logger, unavailable(j))
		return
	}
	h.serveComplete(w, r, key)
}

func (h *FileHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := h.parseKey(w, r)
	if !ok {
		return
	}

	j, found := h.manager.Lookup(key)
	if found && !j.State().Terminal() {
		if !h.manager.Settings().WaitForComplete() {
			h.serveEncoding(w, r, j)
			return
		}
		if err := j.Wait(r.Context(), h.completionTimeout); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	if !h.manager.Store().IsValid(key) {
		writeError(w, h.logger, unavailable(j))
		return
	}
	h.serveComplete(w, r, key)
}

// serveEncoding applies the stream-while-encoding policy. The first request
// runs the stability heuristic; requests arriving while it runs attach to
// the live output; requests after the stability point get the partial file
// up to the declared size.
func (h *FileHandler) serveEncoding(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if size, ok := j.Declared(); ok {
		h.servePartial(w, r, j, size)
		return
	}
	if !j.ClaimStabilizer() {
		h.serveLive(w, r, j)
		return
	}

	size, err := j.WaitStable(r.Context(), h.policy)
	if err != nil {
		j.ReleaseStabilizer()
		writeError(w, h.logger, err)
		return
	}
	if j.State() == job.StateReady {
		h.serveComplete(w, r, j.Key)
		return
	}

	j.Declare(size)
	h.logger.Info("partial entry declared playable",
		slog.String("cache_key", j.Key.String()),
		slog.Int64("size", size),
		slog.Duration("after", time.Since(j.StartedAt)))
	h.servePartial(w, r, j, size)
}

// servePartial sends exactly size bytes of a growing entry. The job's size
// counter only advances after bytes reach the file, so they are present.
func (h *FileHandler) servePartial(w http.ResponseWriter, r *http.Request, j *job.Job, size int64) {
	f, err := os.Open(h.manager.Store().PathFor(j.Key))
	if err != nil {
		writeError(w, h.logger, unavailable(j))
		return
	}
	defer f.Close()

	header := w.Header()
	header.Set("Content-Type", contentTypeMP4)
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	header.Set("Accept-Ranges", "none")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	n, err := io.CopyN(w, f, size)
	metrics.BytesServedTotal.WithLabelValues(modePartial).Add(float64(n))
	if err != nil {
		h.logger.Debug("partial entry transfer ended early",
			slog.String("cache_key", j.Key.String()),
			slog.Int64("sent", n),
			slog.String("error", err.Error()))
	}
}

// serveLive streams the job's output to one attached client: the bytes
// already in the entry file, then the live output from that offset, until
// the encoder finishes. Other clients are unaffected when this one leaves.
func (h *FileHandler) serveLive(w http.ResponseWriter, r *http.Request, j *job.Job) {
	ctx := r.Context()

	f, err := os.Open(h.manager.Store().PathFor(j.Key))
	if err != nil {
		writeError(w, h.logger, unavailable(j))
		return
	}
	defer f.Close()

	client, offset, err := j.AttachLive(r.RemoteAddr)
	if errors.Is(err, io.EOF) {
		// finished between lookup and attach
		f.Close()
		h.serveFinished(w, r, j)
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	hub := j.Hub()
	defer hub.RemoveClient(client.ID)

	logger := h.logger.With(
		slog.String("cache_key", j.Key.String()),
		slog.String("client_id", client.ID.String()),
		slog.String("remote_addr", client.RemoteAddr))
	logger.Debug("live client attached", slog.Int64("offset", offset))

	header := w.Header()
	header.Set("Content-Type", contentTypeMP4)
	header.Set("Accept-Ranges", "none")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	var sent int64
	defer func() {
		metrics.BytesServedTotal.WithLabelValues(modeLive).Add(float64(sent))
		logger.Debug("live client detached", slog.Int64("sent", sent))
	}()

	n, err := io.CopyN(w, f, offset)
	sent += n
	if err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		chunks, readErr := hub.Read(ctx, client)
		for _, chunk := range chunks {
			n, err := w.Write(chunk)
			sent += int64(n)
			if err != nil {
				return
			}
		}
		if len(chunks) > 0 {
			if err := rc.Flush(); err != nil {
				return
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, context.Canceled):
			return
		default:
			// the encoder failed or this client fell behind: end the
			// response without the terminating chunk so the client sees a
			// truncated transfer rather than a complete file
			logger.Warn("live stream aborted", slog.String("error", readErr.Error()))
			panic(http.ErrAbortHandler)
		}
	}
}

// serveFinished serves a job that finished after the request looked it up.
func (h *FileHandler) serveFinished(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.State() == job.StateReady && h.manager.Store().IsValid(j.Key) {
		h.serveComplete(w, r, j.Key)
		return
	}
	writeError(w, h.logger, unavailable(j))
}

// serveComplete serves a finished entry with Range and HEAD support.
func (h *FileHandler) serveComplete(w http.ResponseWriter, r *http.Request, key cache.Key) {
	path := h.manager.Store().PathFor(key)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, h.logger, errEntryNotFound)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeMP4)
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, fi.Name(), fi.ModTime(), f)
	metrics.BytesServedTotal.WithLabelValues(modeFile).Add(float64(cw.n))
}

// countingWriter counts body bytes written through it.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }
