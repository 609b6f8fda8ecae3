// Package ffmpeg drives the external ffmpeg and ffprobe binaries: discovery,
// hardware acceleration probing, encoding presets, the encoder launcher and
// media inspection.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/mp4proxy/internal/util"
)

// Environment variables consulted before PATH when locating binaries.
const (
	FFmpegEnvVar  = "MP4PROXY_FFMPEG_BINARY"
	FFprobeEnvVar = "MP4PROXY_FFPROBE_BINARY"
)

// ErrBinaryNotFound is returned when ffmpeg cannot be located or spawned.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// Binaries describes the located ffmpeg installation.
type Binaries struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path,omitempty"`
	Version     string `json:"version,omitempty"`
	Major       int    `json:"major_version,omitempty"`
	Minor       int    `json:"minor_version,omitempty"`
}

// Locate finds ffmpeg and ffprobe. Explicit paths win; otherwise the env
// var, the working directory, the executable's directory and PATH are
// searched. ffprobe is optional: without it progress has no total and
// probing is unavailable.
func Locate(ctx context.Context, ffmpegPath, ffprobePath string) (*Binaries, error) {
	var err error
	if ffmpegPath == "" {
		ffmpegPath, err = util.FindBinary("ffmpeg", FFmpegEnvVar, ".")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}
	}
	if ffprobePath == "" {
		ffprobePath, _ = util.FindBinary("ffprobe", FFprobeEnvVar, ".")
	}

	bins := &Binaries{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: running %s -version: %v", ErrBinaryNotFound, ffmpegPath, err)
	}
	bins.Version, bins.Major, bins.Minor = parseVersion(string(out))

	return bins, nil
}

// parseVersion extracts the version from `ffmpeg -version` output, e.g.
// "ffmpeg version n6.1.1-3 Copyright ..." or "ffmpeg version 7.0".
func parseVersion(output string) (full string, major, minor int) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return "", 0, 0
		}
		full = parts[2]
		if m := versionRegex.FindStringSubmatch(full); len(m) == 3 {
			major, _ = strconv.Atoi(m[1])
			minor, _ = strconv.Atoi(m[2])
		}
		return full, major, minor
	}
	return "", 0, 0
}
