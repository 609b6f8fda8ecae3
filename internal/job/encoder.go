package job

import (
	"context"
	"time"

	"github.com/jmylchreest/mp4proxy/internal/fetch"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
)

// Process is a running encode.
type Process interface {
	// Progress is closed when the process exits.
	Progress() <-chan ffmpeg.Progress
	Wait() error
	Cancel()
	Stats() ffmpeg.ProcessStats
}

// Encoder starts encodes. ffmpeg.Launcher satisfies it through NewEncoder.
type Encoder interface {
	Start(ctx context.Context, req ffmpeg.EncodeRequest) (Process, error)
}

// Fetcher materializes a remote source to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (fetch.Result, error)
}

// DurationProber reports a source's duration, 0 when unknown.
type DurationProber interface {
	Duration(ctx context.Context, input string) time.Duration
}

type launcherEncoder struct {
	launcher *ffmpeg.Launcher
}

// NewEncoder adapts an ffmpeg launcher to the Encoder interface.
func NewEncoder(l *ffmpeg.Launcher) Encoder {
	return launcherEncoder{launcher: l}
}

func (e launcherEncoder) Start(ctx context.Context, req ffmpeg.EncodeRequest) (Process, error) {
	h, err := e.launcher.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return h, nil
}
