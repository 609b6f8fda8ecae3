package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/version"
)

// SystemHandler handles build and encoder information endpoints.
type SystemHandler struct {
	binaries *ffmpeg.Binaries
	hwaccel  ffmpeg.HWAccelResult
}

// NewSystemHandler creates a new system handler. binaries may be nil when
// ffmpeg was not found at startup.
func NewSystemHandler(binaries *ffmpeg.Binaries, hwaccel ffmpeg.HWAccelResult) *SystemHandler {
	return &SystemHandler{
		binaries: binaries,
		hwaccel:  hwaccel,
	}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getVersion",
		Method:      "GET",
		Path:        "/version",
		Summary:     "Get build information",
		Tags:        []string{"System"},
	}, h.GetVersion)

	huma.Register(api, huma.Operation{
		OperationID: "getFFmpegInfo",
		Method:      "GET",
		Path:        "/ffmpeg",
		Summary:     "Get encoder information",
		Description: "Returns the located ffmpeg binaries and the hardware acceleration selected at startup",
		Tags:        []string{"System"},
	}, h.GetFFmpegInfo)
}

// VersionInput is the input for the version endpoint.
type VersionInput struct{}

// VersionOutput is the output for the version endpoint.
type VersionOutput struct {
	Body version.Info
}

// GetVersion returns the build information.
func (h *SystemHandler) GetVersion(ctx context.Context, input *VersionInput) (*VersionOutput, error) {
	return &VersionOutput{Body: version.GetInfo()}, nil
}

// FFmpegInfoInput is the input for the FFmpeg info endpoint.
type FFmpegInfoInput struct{}

// FFmpegInfoOutput is the output for the FFmpeg info endpoint.
type FFmpegInfoOutput struct {
	Body FFmpegInfoResponse
}

// FFmpegInfoResponse describes the encoder installation.
type FFmpegInfoResponse struct {
	Available   bool     `json:"available" doc:"Whether FFmpeg is available"`
	FFmpegPath  string   `json:"ffmpeg_path,omitempty" doc:"Path to FFmpeg binary"`
	FFprobePath string   `json:"ffprobe_path,omitempty" doc:"Path to FFprobe binary, empty when probing is unavailable"`
	Version     string   `json:"version,omitempty" doc:"FFmpeg version string"`
	HWAccels    []string `json:"hw_accels" doc:"Acceleration methods reported by ffmpeg"`
	HWAccel     string   `json:"hw_accel" doc:"Acceleration method in use, none for software"`
	Platform    string   `json:"platform"`
}

// GetFFmpegInfo returns the encoder installation details.
func (h *SystemHandler) GetFFmpegInfo(ctx context.Context, input *FFmpegInfoInput) (*FFmpegInfoOutput, error) {
	resp := FFmpegInfoResponse{
		HWAccels: h.hwaccel.Listed,
		HWAccel:  h.hwaccel.Selected,
		Platform: h.hwaccel.Platform,
	}
	if resp.HWAccels == nil {
		resp.HWAccels = []string{}
	}
	if resp.HWAccel == "" {
		resp.HWAccel = "none"
	}
	if h.binaries != nil {
		resp.Available = true
		resp.FFmpegPath = h.binaries.FFmpegPath
		resp.FFprobePath = h.binaries.FFprobePath
		resp.Version = h.binaries.Version
	}
	return &FFmpegInfoOutput{Body: resp}, nil
}
