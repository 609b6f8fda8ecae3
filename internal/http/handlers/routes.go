package handlers

import (
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/config"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

// Dependencies is everything the full route set needs.
type Dependencies struct {
	Manager           *job.Manager
	Store             *cache.Store
	Settings          *job.Settings
	Config            *config.Config
	Policy            job.StablePolicy
	CompletionTimeout time.Duration
	Binaries          *ffmpeg.Binaries
	HWAccel           ffmpeg.HWAccelResult
	Inspector         Inspector
	Version           string
	Logger            *slog.Logger
}

// RegisterAll mounts every handler: JSON operations on api, raw media and
// SSE routes on router.
func RegisterAll(api huma.API, router chi.Router, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	NewJobHandler(deps.Manager, deps.CompletionTimeout).WithLogger(logger).Register(api)
	NewCacheHandler(deps.Store).WithLogger(logger).Register(api)
	NewSettingsHandler(deps.Settings).WithLogger(logger).Register(api)
	NewConfigHandler(deps.Config, deps.Settings, deps.HWAccel.Selected).Register(api)
	NewHealthHandler(deps.Version, deps.Store, deps.Manager).Register(api)
	NewSystemHandler(deps.Binaries, deps.HWAccel).Register(api)
	NewProbeHandler(deps.Inspector).Register(api)

	NewFileHandler(deps.Manager, deps.Policy, deps.CompletionTimeout).WithLogger(logger).RegisterChiRoutes(router)
	NewProgressHandler(deps.Manager).WithLogger(logger).RegisterChiRoutes(router)
}
