package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
)

type stubInspector struct {
	info  *ffmpeg.MediaInfo
	err   error
	input string
}

func (s *stubInspector) Inspect(_ context.Context, input string) (*ffmpeg.MediaInfo, error) {
	s.input = input
	return s.info, s.err
}

func TestProbeHandler_Probe(t *testing.T) {
	t.Run("reports media info", func(t *testing.T) {
		inspector := &stubInspector{info: &ffmpeg.MediaInfo{
			Format:          "mp4",
			Codec:           "hevc",
			Duration:        90 * time.Second,
			ShouldTranscode: true,
		}}
		handler := NewProbeHandler(inspector)

		output, err := handler.Probe(context.Background(), &ProbeInput{URL: " HTTPS://Media.Example.com/a.mp4#t=10 "})
		require.NoError(t, err)

		assert.Equal(t, "https://media.example.com/a.mp4", inspector.input, "probe runs against the normalized URL")
		assert.True(t, output.Body.Success)
		assert.Equal(t, "hevc", output.Body.Codec)
		assert.InDelta(t, 90.0, output.Body.Duration, 0.001)
		assert.True(t, output.Body.ShouldTranscode)
		assert.Empty(t, output.Body.ProbeError)
	})

	t.Run("failed probe still answers from the extension", func(t *testing.T) {
		inspector := &stubInspector{
			info: &ffmpeg.MediaInfo{Format: "mov", ShouldTranscode: true},
			err:  errors.New("probe timeout after 7s"),
		}
		handler := NewProbeHandler(inspector)

		output, err := handler.Probe(context.Background(), &ProbeInput{URL: "https://media.example.com/b.mov"})
		require.NoError(t, err)

		assert.True(t, output.Body.Success)
		assert.Equal(t, "mov", output.Body.Format)
		assert.True(t, output.Body.ShouldTranscode)
		assert.Equal(t, "probe timeout after 7s", output.Body.ProbeError)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		handler := NewProbeHandler(&stubInspector{})
		for _, raw := range []string{"", "ftp://media.example.com/c.mov"} {
			_, err := handler.Probe(context.Background(), &ProbeInput{URL: raw})
			var statusErr huma.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, 400, statusErr.GetStatus())
		}
	})
}
