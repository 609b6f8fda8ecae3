package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stderrTailLines = 100
	progressBuffer  = 32
	// pipeGrace bounds how long Wait keeps reading stdout after the process
	// is gone, in case a child process inherited the pipe.
	pipeGrace = 2 * time.Second
)

// ErrEncoderFailed is returned when the encoder exits abnormally or cannot be started.
var ErrEncoderFailed = errors.New("encoder failed")

// ExitError describes an abnormal encoder exit.
type ExitError struct {
	Code   int
	Stderr []string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("encoder exited with code %d", e.Code)
	if n := len(e.Stderr); n > 0 {
		msg += ": " + e.Stderr[n-1]
	}
	return msg
}

// Is reports ErrEncoderFailed so callers can match with errors.Is.
func (e *ExitError) Is(target error) bool { return target == ErrEncoderFailed }

func (e *ExitError) Unwrap() error { return e.Err }

// Diagnostics returns the captured stderr joined by newlines.
func (e *ExitError) Diagnostics() string { return strings.Join(e.Stderr, "\n") }

// EncodeRequest describes one encode.
type EncodeRequest struct {
	// Key tags progress events.
	Key string
	// Input is a local path or an http(s) URL.
	Input string
	// Output receives the fragmented MP4 byte stream.
	Output  io.Writer
	Preset  Preset
	HWAccel string
	// Duration of the source, when known, for progress fractions.
	Duration time.Duration
}

// Launcher spawns encoder processes.
type Launcher struct {
	ffmpegPath string
	logger     *slog.Logger
}

// NewLauncher creates a launcher for the given ffmpeg binary.
func NewLauncher(ffmpegPath string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{ffmpegPath: ffmpegPath, logger: logger}
}

// Start spawns one encoder for req. The process is killed when ctx is done.
// A spawn failure is reported as ErrEncoderFailed wrapping ErrBinaryNotFound.
func (l *Launcher) Start(ctx context.Context, req EncodeRequest) (*Handle, error) {
	if req.Output == nil {
		return nil, fmt.Errorf("encode %s: no output writer", req.Key)
	}

	args := EncodeArgs(req.Input, req.Preset, req.HWAccel)
	h := &Handle{
		ctx:      ctx,
		key:      req.Key,
		total:    req.Duration,
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
		monitor:  NewProcessMonitor(),
		logger:   l.logger.With(slog.String("cache_key", req.Key)),
	}
	h.stderr = newStderrTail(stderrTailLines, h.emitProgress, func(line string) {
		h.logger.Debug("ffmpeg", slog.String("line", line))
	})

	cmd := exec.CommandContext(ctx, l.ffmpegPath, args...)
	cmd.Stdout = NewCountingWriter(req.Output, h.monitor)
	cmd.Stderr = h.stderr
	cmd.WaitDelay = pipeGrace
	h.cmd = cmd

	h.logger.Debug("starting encoder",
		slog.String("preset", req.Preset.Name),
		slog.String("hwaccel", req.HWAccel),
		slog.String("command", l.ffmpegPath+" "+strings.Join(args, " ")))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrEncoderFailed, ErrBinaryNotFound, err)
	}

	h.monitor.Start(cmd.Process.Pid)
	go h.supervise()

	return h, nil
}

// Handle supervises one running encoder.
type Handle struct {
	ctx     context.Context
	key     string
	total   time.Duration
	cmd     *exec.Cmd
	stderr  *stderrTail
	monitor *ProcessMonitor
	logger  *slog.Logger

	progress  chan Progress
	done      chan struct{}
	err       error
	cancelled atomic.Bool
	cancelMu  sync.Mutex
}

// Progress delivers progress observations in order; it is closed when the
// process exits. Observations are dropped rather than stalling the encoder
// when the consumer falls behind.
func (h *Handle) Progress() <-chan Progress { return h.progress }

// Done is closed once the process has exited and output is flushed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits and returns its outcome: nil,
// context.Canceled after Cancel, the start context's error if it ended
// first, or an error matching ErrEncoderFailed.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Cancel kills the process and returns once it has exited, after which no
// further bytes reach the output writer.
func (h *Handle) Cancel() {
	h.cancelMu.Lock()
	if !h.cancelled.Swap(true) && h.cmd.Process != nil {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Debug("killing encoder", slog.String("error", err.Error()))
		}
	}
	h.cancelMu.Unlock()
	<-h.done
}

// PID returns the encoder process ID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StderrTail returns the last diagnostic lines.
func (h *Handle) StderrTail() []string { return h.stderr.Lines() }

// Stats returns the latest resource sample.
func (h *Handle) Stats() ProcessStats { return h.monitor.Stats() }

func (h *Handle) emitProgress(elapsed time.Duration, speed float64) {
	p := Progress{
		Key:      h.key,
		Elapsed:  elapsed,
		Total:    h.total,
		Fraction: ComputeFraction(elapsed, h.total),
		Speed:    speed,
	}
	select {
	case h.progress <- p:
	default:
	}
}

func (h *Handle) supervise() {
	waitErr := h.cmd.Wait()
	h.stderr.Flush()
	h.monitor.Stop()

	switch {
	case h.cancelled.Load():
		h.err = context.Canceled
	case h.ctx.Err() != nil:
		h.err = h.ctx.Err()
	case waitErr == nil:
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exited cleanly but a child held stdout open past the grace period.
		if h.cmd.ProcessState == nil || !h.cmd.ProcessState.Success() {
			h.err = h.exitError(waitErr)
		}
	default:
		h.err = h.exitError(waitErr)
	}

	if errors.Is(h.err, ErrEncoderFailed) {
		h.logger.Warn("encoder failed", slog.String("error", h.err.Error()))
	}

	close(h.progress)
	close(h.done)
}

func (h *Handle) exitError(err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{Code: code, Stderr: h.stderr.Lines(), Err: err}
}
