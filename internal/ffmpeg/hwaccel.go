package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"
)

// Hardware acceleration modes accepted in configuration besides a concrete name.
const (
	HWAccelAuto = "auto"
	HWAccelNone = "none"
	HWAccelCUDA = "cuda"
)

// HWAccelResult is the outcome of the one-shot capability probe.
type HWAccelResult struct {
	// Listed are the methods ffmpeg reports, in its order.
	Listed []string `json:"listed"`
	// Selected is the method handed to the encoder; empty means software decoding.
	Selected string `json:"selected,omitempty"`
	// Platform is runtime.GOOS, since most methods are platform bound.
	Platform string `json:"platform"`
}

// HWAccelDetector probes ffmpeg for usable hardware acceleration.
type HWAccelDetector struct {
	ffmpegPath string
	priority   []string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHWAccelDetector creates a detector trying methods in priority order.
func NewHWAccelDetector(ffmpegPath string, priority []string, timeout time.Duration, logger *slog.Logger) *HWAccelDetector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HWAccelDetector{
		ffmpegPath: ffmpegPath,
		priority:   priority,
		timeout:    timeout,
		logger:     logger,
	}
}

// Resolve turns a configured mode into the method to use. "none" and ""
// disable acceleration, "auto" runs Detect, anything else is used verbatim.
// Probe failures degrade to software decoding and are never fatal.
func (d *HWAccelDetector) Resolve(ctx context.Context, mode string) HWAccelResult {
	switch mode {
	case "", HWAccelNone:
		return HWAccelResult{Platform: runtime.GOOS}
	case HWAccelAuto:
		res, err := d.Detect(ctx)
		if err != nil {
			d.logger.Warn("hardware acceleration probe failed, using software decoding",
				slog.String("error", err.Error()))
		}
		return res
	default:
		return HWAccelResult{Selected: mode, Platform: runtime.GOOS}
	}
}

// Detect lists the methods ffmpeg was built with and selects the first
// priority entry that is listed and usable on this host. The whole probe is
// bounded by the detector timeout.
func (d *HWAccelDetector) Detect(ctx context.Context) (HWAccelResult, error) {
	res := HWAccelResult{Platform: runtime.GOOS}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.ffmpegPath, "-hide_banner", "-loglevel", "error", "-hwaccels").Output()
	if err != nil {
		return res, fmt.Errorf("listing hwaccels: %w", err)
	}
	res.Listed = parseHWAccels(string(out))

	for _, accel := range d.priority {
		if !slices.Contains(res.Listed, accel) || !platformSupports(accel) {
			continue
		}
		if accel == HWAccelCUDA && !d.testNVENC(ctx) {
			d.logger.Debug("cuda listed but nvenc unusable")
			continue
		}
		res.Selected = accel
		d.logger.Info("hardware acceleration selected", slog.String("hwaccel", accel))
		return res, nil
	}

	d.logger.Info("no hardware acceleration available", slog.Any("listed", res.Listed))
	return res, nil
}

// parseHWAccels parses the output of ffmpeg -hwaccels.
func parseHWAccels(output string) []string {
	var accels []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "Hardware acceleration methods:" {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}

	return accels
}

func platformSupports(accel string) bool {
	switch accel {
	case "dxva2", "d3d11va":
		return runtime.GOOS == "windows"
	case "videotoolbox":
		return runtime.GOOS == "darwin"
	case "vaapi":
		return runtime.GOOS == "linux"
	default:
		return true
	}
}

// testNVENC checks the encoder side works, since cuda selection also switches
// the encoder to h264_nvenc.
func (d *HWAccelDetector) testNVENC(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "nullsrc=s=320x240:d=0.1",
		"-c:v", "h264_nvenc",
		"-t", "0.01",
		"-f", "null", "-")
	return cmd.Run() == nil
}
