package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/config"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/version"
)

func TestToMap(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Transcode.StableWindow = 800 * time.Millisecond
	cfg.Transcode.InitialSize = 256 * 1024

	m := toMap(cfg)

	server, ok := m["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 8080, server["port"])

	transcode, ok := m["transcode"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "800ms", transcode["stable_window"])
	assert.Equal(t, config.ByteSize(256*1024).String(), transcode["initial_size"])
}

func TestRenderEntries(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	key := cache.KeyFor("https://media.example.com/a.mov")
	out := renderEntries([]cache.Entry{{Key: key, Size: 2048000, RecordedAt: now.Add(-90 * time.Second)}}, now)

	assert.Contains(t, out, key.String())
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "2,048,000")
	assert.Contains(t, out, "CACHE ID")
}

func TestAnnouncePort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port")
	require.NoError(t, announcePort(43210, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "43210\n", string(data))
}

func TestRenderVersion(t *testing.T) {
	report := versionReport{Info: version.GetInfo(), UserAgent: version.UserAgent()}

	out, err := renderVersion(report, false, false)
	require.NoError(t, err)
	assert.Contains(t, out, "mp4proxy version")
	assert.Contains(t, out, "user agent: mp4proxy/")
	assert.NotContains(t, out, "ffmpeg:")

	out, err = renderVersion(report, false, true)
	require.NoError(t, err)
	assert.Contains(t, out, "ffmpeg:     not found")

	report.FFmpeg = &ffmpeg.Binaries{FFmpegPath: "/usr/bin/ffmpeg", Version: "7.1"}
	out, err = renderVersion(report, false, true)
	require.NoError(t, err)
	assert.Contains(t, out, "/usr/bin/ffmpeg (7.1)")
	assert.Contains(t, out, "ffprobe:    not found")

	out, err = renderVersion(report, true, true)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, version.Version, decoded["version"])
	assert.Equal(t, version.UserAgent(), decoded["user_agent"])
	ff, ok := decoded["ffmpeg"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/ffmpeg", ff["ffmpeg_path"])
}
