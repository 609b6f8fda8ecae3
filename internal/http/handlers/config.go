package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/config"
	"github.com/jmylchreest/mp4proxy/internal/job"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// ConfigHandler reports the effective configuration and runtime policy.
type ConfigHandler struct {
	cfg      *config.Config
	settings *job.Settings
	hwaccel  string
}

// NewConfigHandler creates a new config handler. hwaccel is the acceleration
// method selected at startup, empty for software decoding.
func NewConfigHandler(cfg *config.Config, settings *job.Settings, hwaccel string) *ConfigHandler {
	return &ConfigHandler{
		cfg:      cfg,
		settings: settings,
		hwaccel:  hwaccel,
	}
}

// Register registers the config routes with the API.
func (h *ConfigHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getConfig",
		Method:      "GET",
		Path:        "/config",
		Summary:     "Get configuration",
		Description: "Returns the runtime serving policy alongside the startup configuration",
		Tags:        []string{"Settings"},
	}, h.GetConfig)
}

// ConfigResponse is the body of GET /config.
type ConfigResponse struct {
	Success         bool   `json:"success"`
	WaitForComplete bool   `json:"waitForComplete"`
	Preset          string `json:"preset"`
	HWAccel         string `json:"hwaccel"`
	LogLevel        string `json:"logLevel"`

	CacheDir     string `json:"cacheDir"`
	WindowSize   int    `json:"windowSize"`
	MinValidSize int64  `json:"minValidSize"`

	CompletionTimeout string `json:"completionTimeout"`
	InitialSize       int64  `json:"initialSize"`
	InitialTimeout    string `json:"initialTimeout"`
	StableWindow      string `json:"stableWindow"`
	StableTimeout     string `json:"stableTimeout"`
	PrefetchSource    bool   `json:"prefetchSource"`
}

// GetConfigInput is the input for reading the configuration.
type GetConfigInput struct{}

// GetConfigOutput is the output for reading the configuration.
type GetConfigOutput struct {
	Body ConfigResponse
}

// GetConfig returns the effective configuration.
func (h *ConfigHandler) GetConfig(ctx context.Context, input *GetConfigInput) (*GetConfigOutput, error) {
	tc := h.cfg.Transcode
	hwaccel := h.hwaccel
	if hwaccel == "" {
		hwaccel = "none"
	}

	return &GetConfigOutput{
		Body: ConfigResponse{
			Success:           true,
			WaitForComplete:   h.settings.WaitForComplete(),
			Preset:            h.settings.Preset().Name,
			HWAccel:           hwaccel,
			LogLevel:          observability.GetLogLevel(),
			CacheDir:          h.cfg.Cache.Directory(),
			WindowSize:        h.cfg.Cache.WindowSize,
			MinValidSize:      int64(h.cfg.Cache.MinValidSize),
			CompletionTimeout: tc.CompletionTimeout.String(),
			InitialSize:       int64(tc.InitialSize),
			InitialTimeout:    tc.InitialTimeout.String(),
			StableWindow:      tc.StableWindow.String(),
			StableTimeout:     tc.StableTimeout.String(),
			PrefetchSource:    tc.PrefetchSource,
		},
	}, nil
}
