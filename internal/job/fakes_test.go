package job

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/fetch"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
)

// fakeProcess is an encode whose output and exit the test drives.
type fakeProcess struct {
	req      ffmpeg.EncodeRequest
	progress chan ffmpeg.Progress
	exitCh   chan error
	done     chan struct{}
	err      error
}

func (p *fakeProcess) Progress() <-chan ffmpeg.Progress { return p.progress }
func (p *fakeProcess) Wait() error                      { <-p.done; return p.err }
func (p *fakeProcess) Cancel()                          { p.exit(context.Canceled); <-p.done }
func (p *fakeProcess) Stats() ffmpeg.ProcessStats       { return ffmpeg.ProcessStats{PID: 4242} }

func (p *fakeProcess) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.req.Output.Write(b)
	require.NoError(t, err)
}

func (p *fakeProcess) report(fraction float64) {
	p.progress <- ffmpeg.Progress{Key: p.req.Key, Fraction: fraction, Total: p.req.Duration}
}

func (p *fakeProcess) exit(err error) {
	select {
	case p.exitCh <- err:
	default:
	}
}

type fakeEncoder struct {
	starts   atomic.Int32
	startErr error
	started  chan *fakeProcess
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{started: make(chan *fakeProcess, 32)}
}

func (e *fakeEncoder) Start(ctx context.Context, req ffmpeg.EncodeRequest) (Process, error) {
	e.starts.Add(1)
	if e.startErr != nil {
		return nil, e.startErr
	}
	p := &fakeProcess{
		req:      req,
		progress: make(chan ffmpeg.Progress, 16),
		exitCh:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	go func() {
		var err error
		select {
		case err = <-p.exitCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
		p.err = err
		close(p.progress)
		close(p.done)
	}()
	e.started <- p
	return p, nil
}

func (e *fakeEncoder) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-e.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("encoder was not started")
		return nil
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	dests []string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, dest string) (fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	f.dests = append(f.dests, dest)
	f.mu.Unlock()
	if f.err != nil {
		return fetch.Result{}, f.err
	}
	if err := os.WriteFile(dest, []byte("source"), 0o644); err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Bytes: 6, Attempts: 1}, nil
}

type fixedProber time.Duration

func (d fixedProber) Duration(context.Context, string) time.Duration { return time.Duration(d) }

type testEnv struct {
	manager *Manager
	store   *cache.Store
	encoder *fakeEncoder
	fetcher *fakeFetcher
}

func newTestEnv(t *testing.T, window int, mutate ...func(*Options)) *testEnv {
	t.Helper()

	store, err := cache.Open(cache.Options{Dir: t.TempDir(), WindowSize: window, MinValidSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings, err := NewSettings(false, ffmpeg.PresetBalanced)
	require.NoError(t, err)

	env := &testEnv{store: store, encoder: newFakeEncoder(), fetcher: &fakeFetcher{}}
	opts := Options{
		Store:    store,
		Encoder:  env.encoder,
		Fetcher:  env.fetcher,
		Prober:   fixedProber(10 * time.Second),
		Settings: settings,
	}
	for _, m := range mutate {
		m(&opts)
	}

	env.manager, err = NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.manager.Shutdown(ctx)
	})
	return env
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", j.Key.Short())
	}
}
