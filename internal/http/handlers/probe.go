package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// Inspector inspects a source for the transcode decision.
type Inspector interface {
	Inspect(ctx context.Context, input string) (*ffmpeg.MediaInfo, error)
}

// ProbeHandler reports whether a source needs transcoding.
type ProbeHandler struct {
	inspector Inspector
}

// NewProbeHandler creates a new probe handler.
func NewProbeHandler(inspector Inspector) *ProbeHandler {
	return &ProbeHandler{inspector: inspector}
}

// Register registers the probe routes with the API.
func (h *ProbeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "probeSource",
		Method:      "GET",
		Path:        "/probe",
		Summary:     "Probe a source URL",
		Description: "Reports container format, video codec and duration, and whether the source should be transcoded for playback. A failed probe still answers from the URL extension and carries probeError.",
		Tags:        []string{"Transcode"},
	}, h.Probe)
}

// ProbeInput is the input for probing a source.
type ProbeInput struct {
	URL string `query:"url" doc:"Source media URL (http or https)"`
}

// ProbeOutput is the output for probing a source.
type ProbeOutput struct {
	Body struct {
		Success         bool    `json:"success"`
		Format          string  `json:"format"`
		Codec           string  `json:"codec"`
		Duration        float64 `json:"duration" doc:"Seconds, 0 when unknown"`
		ShouldTranscode bool    `json:"shouldTranscode"`
		ProbeError      string  `json:"probeError,omitempty"`
	}
}

// Probe inspects the source at input.URL.
func (h *ProbeHandler) Probe(ctx context.Context, input *ProbeInput) (*ProbeOutput, error) {
	if strings.TrimSpace(input.URL) == "" {
		return nil, huma.Error400BadRequest("missing url param")
	}
	normalized, err := cache.Normalize(input.URL)
	if err != nil {
		return nil, apiError(err)
	}

	info, err := h.inspector.Inspect(ctx, normalized)

	out := &ProbeOutput{}
	out.Body.Success = true
	if info != nil {
		out.Body.Format = info.Format
		out.Body.Codec = info.Codec
		out.Body.Duration = info.Duration.Seconds()
		out.Body.ShouldTranscode = info.ShouldTranscode
	}
	if err != nil {
		out.Body.ProbeError = err.Error()
		observability.LoggerFromContext(ctx).Debug("probe failed",
			slog.String("source", observability.SafeURL(normalized)),
			slog.String("error", err.Error()))
	}
	return out, nil
}
