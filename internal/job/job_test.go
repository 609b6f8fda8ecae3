package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{0, "idle", false},
		{StateFetching, "fetching", false},
		{StateEncoding, "encoding", false},
		{StateReady, "ready", true},
		{StateFailed, "failed", true},
		{StateCancelled, "cancelled", true},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}

	b, err := json.Marshal(map[string]State{"state": StateEncoding})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"encoding"}`, string(b))

	var decoded map[string]State
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, StateEncoding, decoded["state"])
	assert.Error(t, json.Unmarshal([]byte(`{"state":"paused"}`), &decoded))
}

func TestJob_WaitTimeout(t *testing.T) {
	env := newTestEnv(t, 3)
	res, err := env.manager.Resolve("https://media.example.com/slow.mov")
	require.NoError(t, err)
	p := env.encoder.next(t)

	err = res.Job.Wait(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateEncoding, res.Job.State(), "a timed out waiter does not affect the job")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, res.Job.Wait(ctx, 0), context.Canceled)

	p.write(t, payload)
	p.exit(nil)
	assert.NoError(t, res.Job.Wait(context.Background(), 5*time.Second))
}

func TestJob_WaitStable(t *testing.T) {
	policy := StablePolicy{
		InitialSize:    32,
		InitialTimeout: 2 * time.Second,
		StableWindow:   50 * time.Millisecond,
		StableTimeout:  2 * time.Second,
	}

	t.Run("declares size once output stops growing", func(t *testing.T) {
		env := newTestEnv(t, 3)
		res, err := env.manager.Resolve("https://media.example.com/a.mov")
		require.NoError(t, err)
		p := env.encoder.next(t)

		go func() {
			for i := 0; i < 4; i++ {
				_, _ = p.req.Output.Write(payload[:16])
				time.Sleep(10 * time.Millisecond)
			}
		}()

		size, err := res.Job.WaitStable(context.Background(), policy)
		require.NoError(t, err)
		assert.Equal(t, int64(64), size)
		assert.Equal(t, StateEncoding, res.Job.State())
	})

	t.Run("not ready without initial data", func(t *testing.T) {
		env := newTestEnv(t, 3)
		res, err := env.manager.Resolve("https://media.example.com/b.mov")
		require.NoError(t, err)
		p := env.encoder.next(t)
		p.write(t, payload[:8])

		short := policy
		short.InitialTimeout = 40 * time.Millisecond
		_, err = res.Job.WaitStable(context.Background(), short)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("stable timeout declares current size", func(t *testing.T) {
		env := newTestEnv(t, 3)
		res, err := env.manager.Resolve("https://media.example.com/c.mov")
		require.NoError(t, err)
		p := env.encoder.next(t)
		p.write(t, payload)

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			tick := time.NewTicker(5 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-stop:
					return
				case <-tick.C:
					_, _ = p.req.Output.Write([]byte("x"))
				}
			}
		}()

		bounded := policy
		bounded.StableWindow = time.Second
		bounded.StableTimeout = 60 * time.Millisecond
		size, err := res.Job.WaitStable(context.Background(), bounded)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, size, int64(len(payload)))
	})

	t.Run("job finishing first returns final size", func(t *testing.T) {
		env := newTestEnv(t, 3)
		res, err := env.manager.Resolve("https://media.example.com/d.mov")
		require.NoError(t, err)
		p := env.encoder.next(t)
		p.write(t, payload)
		p.exit(nil)
		waitDone(t, res.Job)

		size, err := res.Job.WaitStable(context.Background(), policy)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), size)
	})

	t.Run("job failing first returns its error", func(t *testing.T) {
		env := newTestEnv(t, 3)
		res, err := env.manager.Resolve("https://media.example.com/e.mov")
		require.NoError(t, err)
		p := env.encoder.next(t)
		p.exit(&ffmpeg.ExitError{Code: 1})

		_, err = res.Job.WaitStable(context.Background(), policy)
		assert.ErrorIs(t, err, ffmpeg.ErrEncoderFailed)
	})
}

func TestJob_StabilizerClaim(t *testing.T) {
	j := newJob(context.Background(), "id", "k", "https://x/", ffmpeg.PresetBalanced, 0, nil)

	_, ok := j.Declared()
	assert.False(t, ok)

	assert.True(t, j.ClaimStabilizer())
	assert.False(t, j.ClaimStabilizer())

	j.ReleaseStabilizer()
	assert.True(t, j.ClaimStabilizer())

	j.Declare(1024)
	j.ReleaseStabilizer()
	assert.False(t, j.ClaimStabilizer(), "declared jobs keep the claim")

	size, ok := j.Declared()
	assert.True(t, ok)
	assert.Equal(t, int64(1024), size)
}

func TestSettings(t *testing.T) {
	_, err := NewSettings(false, "nope")
	assert.ErrorIs(t, err, ffmpeg.ErrUnknownPreset)

	s, err := NewSettings(true, ffmpeg.PresetQuality)
	require.NoError(t, err)
	assert.True(t, s.WaitForComplete())
	assert.Equal(t, ffmpeg.PresetQuality, s.Preset().Name)

	s.SetWaitForComplete(false)
	assert.False(t, s.WaitForComplete())

	require.NoError(t, s.SetPreset(ffmpeg.PresetSpeed))
	assert.Equal(t, ffmpeg.PresetSpeed, s.Preset().Name)

	assert.ErrorIs(t, s.SetPreset("ultra"), ffmpeg.ErrUnknownPreset)
	assert.Equal(t, ffmpeg.PresetSpeed, s.Preset().Name)
}

func TestEventBus_ReservesTerminalSlot(t *testing.T) {
	bus := newEventBus()
	ch, unsubscribe := bus.subscribe(2)
	defer unsubscribe()

	bus.publish(Event{Type: EventProgress, Progress: 0.1})
	bus.publish(Event{Type: EventProgress, Progress: 0.2})
	bus.publish(Event{Type: EventReady})
	bus.close()

	var got []EventType
	for ev := range ch {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventProgress, EventReady}, got)
}
