package cmd

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/config"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/observability"
)

// openStore opens the configured cache directory, taking its lock.
func openStore(cfg *config.Config, logger *slog.Logger) (*cache.Store, error) {
	return cache.Open(cache.Options{
		Dir:          cfg.Cache.Directory(),
		WindowSize:   cfg.Cache.WindowSize,
		MinValidSize: cfg.Cache.MinValidSize.Int64(),
		Logger:       observability.WithComponent(logger, "cache"),
	})
}

// encoderRuntime is what the one-shot startup probes found.
type encoderRuntime struct {
	binaries *ffmpeg.Binaries
	hwaccel  ffmpeg.HWAccelResult
	prober   *ffmpeg.Prober
}

// ffmpegPath is the binary handed to the launcher. Without a located
// binary the launcher still gets a name so every encode fails with
// ErrBinaryNotFound instead of the server refusing to start.
func (r encoderRuntime) ffmpegPath() string {
	if r.binaries == nil {
		return "ffmpeg"
	}
	return r.binaries.FFmpegPath
}

// probeEncoder locates ffmpeg and ffprobe and resolves hardware
// acceleration. A missing ffmpeg is logged, not fatal.
func probeEncoder(ctx context.Context, cfg *config.Config, logger *slog.Logger) encoderRuntime {
	var rt encoderRuntime

	bins, err := ffmpeg.Locate(ctx, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err != nil {
		logger.Warn("ffmpeg not found, transcodes will fail until it is installed",
			slog.String("error", err.Error()))
		rt.prober = ffmpeg.NewProber("", cfg.FFmpeg.ProbeTimeout)
		rt.hwaccel = ffmpeg.NewHWAccelDetector("", nil, 0, logger).Resolve(ctx, ffmpeg.HWAccelNone)
		return rt
	}
	rt.binaries = bins

	logger.Info("ffmpeg located",
		slog.String("ffmpeg", bins.FFmpegPath),
		slog.String("ffprobe", bins.FFprobePath),
		slog.String("version", bins.Version))

	detector := ffmpeg.NewHWAccelDetector(bins.FFmpegPath, cfg.FFmpeg.HWAccelPriority,
		cfg.FFmpeg.HWAccelProbeTimeout, observability.WithComponent(logger, "hwaccel"))
	rt.hwaccel = detector.Resolve(ctx, cfg.FFmpeg.HWAccel)
	rt.prober = ffmpeg.NewProber(bins.FFprobePath, cfg.FFmpeg.ProbeTimeout)

	return rt
}
