package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/fetch"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

// scriptedProcess is an encode whose output and exit the test drives.
type scriptedProcess struct {
	req      ffmpeg.EncodeRequest
	progress chan ffmpeg.Progress
	exitCh   chan error
	done     chan struct{}
	err      error
}

func (p *scriptedProcess) Progress() <-chan ffmpeg.Progress { return p.progress }
func (p *scriptedProcess) Wait() error                      { <-p.done; return p.err }
func (p *scriptedProcess) Cancel()                          { p.exit(context.Canceled); <-p.done }
func (p *scriptedProcess) Stats() ffmpeg.ProcessStats       { return ffmpeg.ProcessStats{} }

func (p *scriptedProcess) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.req.Output.Write(b)
	require.NoError(t, err)
}

func (p *scriptedProcess) exit(err error) {
	select {
	case p.exitCh <- err:
	default:
	}
}

type scriptedEncoder struct {
	starts  atomic.Int32
	started chan *scriptedProcess
}

func (e *scriptedEncoder) Start(ctx context.Context, req ffmpeg.EncodeRequest) (job.Process, error) {
	e.starts.Add(1)
	p := &scriptedProcess{
		req:      req,
		progress: make(chan ffmpeg.Progress),
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

func (e *scriptedEncoder) next(t *testing.T) *scriptedProcess {
	t.Helper()
	select {
	case p := <-e.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("encoder was not started")
		return nil
	}
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, _ string, dest string) (fetch.Result, error) {
	return fetch.Result{Bytes: 6, Attempts: 1}, os.WriteFile(dest, []byte("source"), 0o644)
}

type testServer struct {
	*httptest.Server
	manager  *job.Manager
	store    *cache.Store
	settings *job.Settings
	encoder  *scriptedEncoder
}

var testPolicy = job.StablePolicy{
	InitialSize:    8,
	InitialTimeout: 2 * time.Second,
	StableWindow:   50 * time.Millisecond,
	StableTimeout:  2 * time.Second,
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := cache.Open(cache.Options{Dir: t.TempDir(), WindowSize: 3, MinValidSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings, err := job.NewSettings(false, ffmpeg.PresetBalanced)
	require.NoError(t, err)

	encoder := &scriptedEncoder{started: make(chan *scriptedProcess, 16)}
	manager, err := job.NewManager(job.Options{
		Store:    store,
		Encoder:  encoder,
		Fetcher:  stubFetcher{},
		Settings: settings,
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("mp4proxy test", "1.0.0"))
	NewJobHandler(manager, 2*time.Second).Register(api)
	NewCacheHandler(store).Register(api)
	NewSettingsHandler(settings).Register(api)
	NewFileHandler(manager, testPolicy, 2*time.Second).RegisterChiRoutes(router)
	progress := NewProgressHandler(manager)
	progress.SetHeartbeatInterval(50 * time.Millisecond)
	progress.RegisterChiRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return &testServer{Server: srv, manager: manager, store: store, settings: settings, encoder: encoder}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// bodyFields decodes a huma response body and drops the $schema link huma
// adds to every object it renders.
func bodyFields(t *testing.T, data []byte) string {
	t.Helper()
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	delete(fields, "$schema")
	out, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(out)
}

// resolve starts a transcode for source and returns its job and process.
func (s *testServer) resolve(t *testing.T, source string) (*job.Job, *scriptedProcess) {
	t.Helper()
	res, err := s.manager.Resolve(source)
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	return res.Job, s.encoder.next(t)
}

// seedEntry writes a finished entry directly into the store.
func (s *testServer) seedEntry(t *testing.T, source string, content []byte) cache.Key {
	t.Helper()
	key := cache.KeyFor(source)
	require.NoError(t, os.WriteFile(s.store.PathFor(key), content, 0o644))
	s.store.Record(key)
	return key
}

func waitFinished(t *testing.T, j *job.Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
}
