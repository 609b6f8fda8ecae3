package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/cache"
)

// CacheHandler handles cache maintenance and introspection.
type CacheHandler struct {
	store  *cache.Store
	logger *slog.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(store *cache.Store) *CacheHandler {
	return &CacheHandler{
		store:  store,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *CacheHandler) WithLogger(logger *slog.Logger) *CacheHandler {
	h.logger = logger
	return h
}

// Register registers the cache routes with the API.
func (h *CacheHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "clearCache",
		Method:      "POST",
		Path:        "/clear-cache",
		Summary:     "Clear the cache",
		Description: "Deletes every cached artifact except entries still being written by a running transcode",
		Tags:        []string{"Cache"},
	}, h.Clear)

	huma.Register(api, huma.Operation{
		OperationID: "getCacheInfo",
		Method:      "GET",
		Path:        "/cache-info",
		Summary:     "Get cache usage",
		Description: "Returns the number and total size of files in the cache directory",
		Tags:        []string{"Cache"},
	}, h.Info)

	huma.Register(api, huma.Operation{
		OperationID: "listCacheEntries",
		Method:      "GET",
		Path:        "/cache",
		Summary:     "List cache entries",
		Description: "Returns the completed entries in the eviction window, oldest first",
		Tags:        []string{"Cache"},
	}, h.List)
}

// ClearCacheInput is the input for clearing the cache.
type ClearCacheInput struct{}

// ClearCacheOutput is the output for clearing the cache.
type ClearCacheOutput struct {
	Body struct {
		Success bool  `json:"success"`
		Removed int   `json:"removed"`
		Freed   int64 `json:"freed"`
		Skipped int   `json:"skipped" doc:"Files kept because a transcode is writing them"`
	}
}

// Clear deletes every inactive cache entry.
func (h *CacheHandler) Clear(ctx context.Context, input *ClearCacheInput) (*ClearCacheOutput, error) {
	res, err := h.store.ClearAll()
	if err != nil {
		// partial removal still reports what was freed
		h.logger.Warn("cache clear incomplete", slog.String("error", err.Error()))
	}

	out := &ClearCacheOutput{}
	out.Body.Success = err == nil
	out.Body.Removed = res.Removed
	out.Body.Freed = res.Freed
	out.Body.Skipped = res.Skipped
	return out, nil
}

// CacheInfoInput is the input for cache usage.
type CacheInfoInput struct{}

// CacheInfoOutput is the output for cache usage.
type CacheInfoOutput struct {
	Body cache.Usage
}

// Info returns the cache directory usage.
func (h *CacheHandler) Info(ctx context.Context, input *CacheInfoInput) (*CacheInfoOutput, error) {
	info, err := h.store.Usage()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to read cache directory", err)
	}
	return &CacheInfoOutput{Body: info}, nil
}

// ListCacheInput is the input for listing cache entries.
type ListCacheInput struct{}

// ListCacheOutput is the output for listing cache entries.
type ListCacheOutput struct {
	Body struct {
		Entries    []cache.Entry `json:"entries"`
		WindowSize int           `json:"windowSize"`
	}
}

// List returns the eviction window.
func (h *CacheHandler) List(ctx context.Context, input *ListCacheInput) (*ListCacheOutput, error) {
	out := &ListCacheOutput{}
	out.Body.Entries = h.store.Entries()
	out.Body.WindowSize = h.store.WindowSize()
	return out, nil
}
