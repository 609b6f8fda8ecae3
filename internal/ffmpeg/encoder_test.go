package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// safeBuffer is a bytes.Buffer safe for the concurrent reads the tests do
// while the encoder is still writing.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startFake(t *testing.T, script string, req EncodeRequest) (*Handle, *safeBuffer) {
	t.Helper()
	ffmpeg := writeScript(t, "ffmpeg", script)
	out := &safeBuffer{}
	req.Output = out
	if req.Preset.Name == "" {
		req.Preset, _ = LookupPreset(PresetBalanced)
	}
	h, err := NewLauncher(ffmpeg, nil).Start(context.Background(), req)
	require.NoError(t, err)
	return h, out
}

func TestLauncher_Success(t *testing.T) {
	h, out := startFake(t, `
printf 'frame=1 time=00:00:01.00 speed=2.0x\r' >&2
printf 'AAAA'
printf 'frame=2 time=00:00:02.00 speed=2.0x\r' >&2
printf 'BBBB'
exit 0
`, EncodeRequest{Key: "k1", Input: "/tmp/in.mov", Duration: 4 * time.Second})

	var events []Progress
	for p := range h.Progress() {
		events = append(events, p)
	}

	require.NoError(t, h.Wait())
	assert.Equal(t, "AAAABBBB", out.String())

	require.Len(t, events, 2)
	assert.Equal(t, "k1", events[0].Key)
	assert.InDelta(t, 0.25, events[0].Fraction, 0.0001)
	assert.InDelta(t, 0.5, events[1].Fraction, 0.0001)
	assert.Equal(t, 4*time.Second, events[1].Total)

	assert.Equal(t, uint64(8), h.Stats().BytesWritten)
	assert.Positive(t, h.PID())
}

func TestLauncher_NonZeroExit(t *testing.T) {
	h, _ := startFake(t, `
echo 'Input #0, mov,mp4' >&2
echo 'Invalid data found when processing input' >&2
exit 1
`, EncodeRequest{Key: "bad", Input: "/tmp/in.mov"})

	err := h.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncoderFailed)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "Invalid data found")
	assert.Contains(t, exitErr.Diagnostics(), "Input #0")
	assert.Equal(t, exitErr.Stderr, h.StderrTail())
}

func TestLauncher_MissingBinary(t *testing.T) {
	l := NewLauncher("/nonexistent/ffmpeg", nil)
	_, err := l.Start(context.Background(), EncodeRequest{Key: "k", Input: "x", Output: &safeBuffer{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncoderFailed)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestLauncher_RequiresOutput(t *testing.T) {
	l := NewLauncher("/bin/true", nil)
	_, err := l.Start(context.Background(), EncodeRequest{Key: "k", Input: "x"})
	require.Error(t, err)
}

func TestHandle_Cancel(t *testing.T) {
	h, out := startFake(t, `
printf 'HEAD'
exec sleep 30
`, EncodeRequest{Key: "slow", Input: "/tmp/in.mov"})

	require.Eventually(t, func() bool { return out.String() == "HEAD" }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel did not return")
	}

	assert.ErrorIs(t, h.Wait(), context.Canceled)
	_, open := <-h.Progress()
	assert.False(t, open)

	// a second cancel is a no-op
	h.Cancel()
}

func TestHandle_ContextCancel(t *testing.T) {
	ffmpeg := writeScript(t, "ffmpeg", "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	preset, _ := LookupPreset(PresetSpeed)

	h, err := NewLauncher(ffmpeg, nil).Start(ctx, EncodeRequest{Key: "ctx", Input: "x", Output: &safeBuffer{}, Preset: preset})
	require.NoError(t, err)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("encoder not stopped by context")
	}
	assert.ErrorIs(t, h.Wait(), context.Canceled)
}
