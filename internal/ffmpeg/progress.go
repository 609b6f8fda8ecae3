package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	timeRe  = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// Progress is one encoder progress observation.
type Progress struct {
	Key      string        `json:"cacheId"`
	Elapsed  time.Duration `json:"time"`
	Total    time.Duration `json:"duration"`
	Fraction float64       `json:"progress"`
	Speed    float64       `json:"speed,omitempty"`
}

// parseProgressLine extracts the encoded time and speed from an ffmpeg
// status line such as "frame=  48 fps=0.0 ... time=00:00:01.92 ... speed=3.8x".
func parseProgressLine(line string) (elapsed time.Duration, speed float64, ok bool) {
	m := timeRe.FindStringSubmatch(line)
	if len(m) != 5 {
		return 0, 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	frac, _ := strconv.ParseFloat("0."+m[4], 64)
	elapsed = time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second +
		time.Duration(frac*float64(time.Second))

	if s := speedRe.FindStringSubmatch(line); len(s) == 2 {
		speed, _ = strconv.ParseFloat(s[1], 64)
	}
	return elapsed, speed, true
}

// ComputeFraction returns elapsed/total clamped to [0,1], or 0 when the
// total is unknown.
func ComputeFraction(elapsed, total time.Duration) float64 {
	if total <= 0 || elapsed <= 0 {
		return 0
	}
	f := float64(elapsed) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// stderrTail receives ffmpeg's diagnostic stream. Status lines end in \r
// rather than \n, so both terminate a line. Status lines go to onProgress;
// everything else is kept in a ring of the last maxLines lines.
type stderrTail struct {
	mu         sync.Mutex
	partial    []byte
	lines      []string
	maxLines   int
	onProgress func(elapsed time.Duration, speed float64)
	onLine     func(line string)
}

func newStderrTail(maxLines int, onProgress func(time.Duration, float64), onLine func(string)) *stderrTail {
	return &stderrTail{
		lines:      make([]string, 0, maxLines),
		maxLines:   maxLines,
		onProgress: onProgress,
		onLine:     onLine,
	}
}

// Write implements io.Writer.
func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexAny(t.partial, "\r\n")
		if i < 0 {
			break
		}
		line := string(bytes.TrimSpace(t.partial[:i]))
		t.partial = t.partial[i+1:]
		t.handle(line)
	}
	return len(p), nil
}

// Flush handles a trailing line without terminator.
func (t *stderrTail) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if line := string(bytes.TrimSpace(t.partial)); line != "" {
		t.handle(line)
	}
	t.partial = nil
}

func (t *stderrTail) handle(line string) {
	if line == "" {
		return
	}
	if elapsed, speed, ok := parseProgressLine(line); ok {
		if t.onProgress != nil {
			t.onProgress(elapsed, speed)
		}
		return
	}
	if len(t.lines) >= t.maxLines {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
	if t.onLine != nil {
		t.onLine(line)
	}
}

// Lines returns a copy of the retained diagnostic lines.
func (t *stderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
