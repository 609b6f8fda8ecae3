package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// SettingsHandler handles the runtime policy endpoints: serving mode,
// encoding preset and log verbosity.
type SettingsHandler struct {
	settings *job.Settings
	logger   *slog.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings *job.Settings) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *SettingsHandler) WithLogger(logger *slog.Logger) *SettingsHandler {
	h.logger = logger
	return h
}

// Register registers the settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "setWaitMode",
		Method:      "POST",
		Path:        "/set-wait-mode",
		Summary:     "Set the serving policy",
		Description: "Selects wait-for-completion (true) or stream-while-encoding (false) for subsequent requests",
		Tags:        []string{"Settings"},
	}, h.SetWaitMode)

	huma.Register(api, huma.Operation{
		OperationID: "listPresets",
		Method:      "GET",
		Path:        "/presets",
		Summary:     "List encoding presets",
		Tags:        []string{"Settings"},
	}, h.ListPresets)

	huma.Register(api, huma.Operation{
		OperationID: "setPreset",
		Method:      "POST",
		Path:        "/set-preset",
		Summary:     "Select the encoding preset",
		Description: "Applies to transcodes started afterwards",
		Tags:        []string{"Settings"},
	}, h.SetPreset)

	huma.Register(api, huma.Operation{
		OperationID: "getLogLevel",
		Method:      "GET",
		Path:        "/log-level",
		Summary:     "Get the log level",
		Tags:        []string{"Settings"},
	}, h.GetLogLevel)

	huma.Register(api, huma.Operation{
		OperationID: "setLogLevel",
		Method:      "POST",
		Path:        "/log-level",
		Summary:     "Set the log level",
		Description: "Changes verbosity immediately for every logger",
		Tags:        []string{"Settings"},
	}, h.SetLogLevel)
}

// SetWaitModeInput is the input for setting the serving policy.
type SetWaitModeInput struct {
	Body struct {
		WaitForComplete bool `json:"waitForComplete"`
	}
}

// SetWaitModeOutput is the output for setting the serving policy.
type SetWaitModeOutput struct {
	Body struct {
		Success         bool `json:"success"`
		WaitForComplete bool `json:"waitForComplete"`
	}
}

// SetWaitMode switches the serving policy.
func (h *SettingsHandler) SetWaitMode(ctx context.Context, input *SetWaitModeInput) (*SetWaitModeOutput, error) {
	old := h.settings.WaitForComplete()
	h.settings.SetWaitForComplete(input.Body.WaitForComplete)
	if old != input.Body.WaitForComplete {
		h.logger.Info("serving policy changed", slog.Bool("wait_for_complete", input.Body.WaitForComplete))
	}

	out := &SetWaitModeOutput{}
	out.Body.Success = true
	out.Body.WaitForComplete = h.settings.WaitForComplete()
	return out, nil
}

// ListPresetsInput is the input for listing presets.
type ListPresetsInput struct{}

// ListPresetsOutput is the output for listing presets.
type ListPresetsOutput struct {
	Body struct {
		Presets []ffmpeg.Preset `json:"presets"`
		Current string          `json:"current"`
	}
}

// ListPresets returns every preset and the current selection.
func (h *SettingsHandler) ListPresets(ctx context.Context, input *ListPresetsInput) (*ListPresetsOutput, error) {
	out := &ListPresetsOutput{}
	out.Body.Presets = ffmpeg.Presets()
	out.Body.Current = h.settings.Preset().Name
	return out, nil
}

// SetPresetInput is the input for selecting a preset.
type SetPresetInput struct {
	Body struct {
		Preset string `json:"preset" doc:"quality, balanced or speed"`
	}
}

// SetPresetOutput is the output for selecting a preset.
type SetPresetOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Preset  string `json:"preset"`
	}
}

// SetPreset selects the preset for subsequent transcodes.
func (h *SettingsHandler) SetPreset(ctx context.Context, input *SetPresetInput) (*SetPresetOutput, error) {
	if err := h.settings.SetPreset(input.Body.Preset); err != nil {
		return nil, apiError(err)
	}
	h.logger.Info("encoding preset changed", slog.String("preset", input.Body.Preset))

	out := &SetPresetOutput{}
	out.Body.Success = true
	out.Body.Preset = h.settings.Preset().Name
	return out, nil
}

// LogLevelInput is the input for reading the log level.
type LogLevelInput struct{}

// LogLevelOutput is the output for the log level endpoints.
type LogLevelOutput struct {
	Body struct {
		Level string `json:"level"`
	}
}

// GetLogLevel returns the current log level.
func (h *SettingsHandler) GetLogLevel(ctx context.Context, input *LogLevelInput) (*LogLevelOutput, error) {
	out := &LogLevelOutput{}
	out.Body.Level = observability.GetLogLevel()
	return out, nil
}

// SetLogLevelInput is the input for changing the log level.
type SetLogLevelInput struct {
	Body struct {
		Level string `json:"level" doc:"trace, debug, info, warn or error"`
	}
}

// SetLogLevel changes the log level.
func (h *SettingsHandler) SetLogLevel(ctx context.Context, input *SetLogLevelInput) (*LogLevelOutput, error) {
	level := strings.ToLower(strings.TrimSpace(input.Body.Level))
	if !observability.IsValidLogLevel(level) {
		return nil, huma.Error400BadRequest("unknown log level: " + input.Body.Level)
	}
	old := observability.GetLogLevel()
	observability.SetLogLevel(level)
	h.logger.Info("log level changed", slog.String("from", old), slog.String("to", level))

	out := &LogLevelOutput{}
	out.Body.Level = observability.GetLogLevel()
	return out, nil
}
