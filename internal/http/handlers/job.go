package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/job"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// JobHandler handles the transcode, cancel and job listing endpoints.
type JobHandler struct {
	manager           *job.Manager
	completionTimeout time.Duration
	logger            *slog.Logger
}

// NewJobHandler creates a new job handler. completionTimeout bounds how long
// /transcode blocks under the wait-for-completion policy.
func NewJobHandler(manager *job.Manager, completionTimeout time.Duration) *JobHandler {
	return &JobHandler{
		manager:           manager,
		completionTimeout: completionTimeout,
		logger:            slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *JobHandler) WithLogger(logger *slog.Logger) *JobHandler {
	h.logger = logger
	return h
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "transcode",
		Method:      "GET",
		Path:        "/transcode",
		Summary:     "Resolve a source URL",
		Description: "Resolves a source URL to its cache ID, starting a transcode when no valid entry or running job exists. Under the wait-for-completion policy the call returns once the transcode is ready.",
		Tags:        []string{"Transcode"},
	}, h.Transcode)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTranscode",
		Method:      "POST",
		Path:        "/cancel",
		Summary:     "Cancel a transcode",
		Description: "Stops the running transcode for a cache ID and deletes its partial entry",
		Tags:        []string{"Transcode"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Returns running and recently finished transcodes, newest first",
		Tags:        []string{"Transcode"},
	}, h.List)
}

// TranscodeInput is the input for resolving a source URL.
type TranscodeInput struct {
	URL string `query:"url" doc:"Source media URL (http or https)"`
}

// TranscodeOutput is the output for resolving a source URL.
type TranscodeOutput struct {
	Body struct {
		Success bool   `json:"success"`
		CacheID string `json:"cacheId"`
		Status  string `json:"status" doc:"hit, miss or attach"`
		State   string `json:"state"`
	}
}

// Transcode resolves input.URL to its cache ID.
func (h *JobHandler) Transcode(ctx context.Context, input *TranscodeInput) (*TranscodeOutput, error) {
	if strings.TrimSpace(input.URL) == "" {
		return nil, huma.Error400BadRequest("missing url param")
	}

	res, err := h.manager.Resolve(input.URL)
	if err != nil {
		return nil, apiError(err)
	}

	logger := observability.LoggerFromContext(ctx)
	logger.Debug("transcode resolved",
		slog.String("cache_key", res.Key.String()),
		slog.String("outcome", res.Outcome.String()),
		slog.String("source", observability.SafeURL(input.URL)))

	if res.Job != nil && h.manager.Settings().WaitForComplete() {
		if err := res.Job.Wait(ctx, h.completionTimeout); err != nil {
			return nil, apiError(err)
		}
	}

	out := &TranscodeOutput{}
	out.Body.Success = true
	out.Body.CacheID = res.Key.String()
	out.Body.Status = res.Outcome.String()
	if res.Job != nil {
		out.Body.State = res.Job.State().String()
	} else {
		out.Body.State = job.StateReady.String()
	}
	return out, nil
}

// CancelInput is the input for cancelling a transcode.
type CancelInput struct {
	Body struct {
		CacheID string `json:"cacheId" doc:"Cache ID returned by /transcode"`
	}
}

// CancelOutput is the output for cancelling a transcode.
type CancelOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

// Cancel stops the running transcode for a cache ID.
func (h *JobHandler) Cancel(ctx context.Context, input *CancelInput) (*CancelOutput, error) {
	key, err := cache.ParseKey(input.Body.CacheID)
	if err != nil {
		return nil, apiError(err)
	}
	if err := h.manager.Cancel(ctx, key); err != nil {
		return nil, apiError(err)
	}

	h.logger.Info("transcode cancelled by request", slog.String("cache_key", key.String()))

	out := &CancelOutput{}
	out.Body.Success = true
	return out, nil
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct{}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs   []job.Snapshot `json:"jobs"`
		Active int        `json:"active"`
	}
}

// List returns running and recently finished jobs.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	out := &ListJobsOutput{}
	out.Body.Jobs = h.manager.Jobs()
	for _, j := range out.Body.Jobs {
		if !j.State.Terminal() {
			out.Body.Active++
		}
	}
	return out, nil
}
