package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrProbeUnavailable is returned when no ffprobe binary was found.
var ErrProbeUnavailable = errors.New("ffprobe not available")

var needsTranscodeCodec = regexp.MustCompile(`(?i)hevc|h265|x265`)

// ProbeResult contains the parts of ffprobe's JSON output we use.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Duration returns the container duration, or 0 when unknown.
func (r *ProbeResult) Duration() time.Duration {
	secs, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// VideoCodec returns the codec of the first video stream.
func (r *ProbeResult) VideoCodec() string {
	for _, s := range r.Streams {
		if s.CodecType == "video" {
			return s.CodecName
		}
	}
	return ""
}

// MediaInfo summarises a source for the transcode decision.
type MediaInfo struct {
	Format          string        `json:"format"`
	Codec           string        `json:"codec"`
	Duration        time.Duration `json:"duration"`
	ShouldTranscode bool          `json:"shouldTranscode"`
}

// Prober runs ffprobe. Concurrent probes of the same input share one process.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	group       singleflight.Group
}

// NewProber creates a prober; an empty path yields ErrProbeUnavailable on use.
func NewProber(ffprobePath string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	return &Prober{ffprobePath: ffprobePath, timeout: timeout}
}

// Available reports whether a probe binary is configured.
func (p *Prober) Available() bool { return p.ffprobePath != "" }

// Probe runs ffprobe against input, bounded by the prober timeout.
func (p *Prober) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	if !p.Available() {
		return nil, ErrProbeUnavailable
	}

	ch := p.group.DoChan(input, func() (any, error) {
		// Detached from the first caller so a disconnect does not fail the
		// probe for the others sharing it.
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.run(probeCtx, input)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProbeResult), nil
	}
}

func (p *Prober) run(ctx context.Context, input string) (*ProbeResult, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams"}
	if isRemote(input) {
		args = append(args, "-rw_timeout", strconv.FormatInt(p.timeout.Microseconds(), 10))
	}
	args = append(args, input)

	out, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// Inspect probes input and decides whether it needs transcoding for
// browser playback. The format comes from the URL path so a failed probe
// still yields a usable answer alongside the error.
func (p *Prober) Inspect(ctx context.Context, input string) (*MediaInfo, error) {
	info := &MediaInfo{Format: FormatFromURL(input)}

	result, err := p.Probe(ctx, input)
	if err != nil {
		info.ShouldTranscode = ShouldTranscode(info.Format, "")
		return info, err
	}

	info.Codec = result.VideoCodec()
	info.Duration = result.Duration()
	info.ShouldTranscode = ShouldTranscode(info.Format, info.Codec)
	return info, nil
}

// Duration returns the source duration, or 0 when it cannot be determined.
func (p *Prober) Duration(ctx context.Context, input string) time.Duration {
	result, err := p.Probe(ctx, input)
	if err != nil {
		return 0
	}
	return result.Duration()
}

// ShouldTranscode reports whether browsers are unlikely to play the source
// as is: QuickTime containers and HEVC video.
func ShouldTranscode(format, codec string) bool {
	return strings.EqualFold(format, "mov") || needsTranscodeCodec.MatchString(codec)
}

// FormatFromURL returns the lowercased extension of the URL path without the dot.
func FormatFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}
