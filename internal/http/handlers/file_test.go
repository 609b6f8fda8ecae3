package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

func TestFileHandler_RangeOnReadyEntry(t *testing.T) {
	srv := newTestServer(t)
	content := bytes.Repeat([]byte("0123456789"), 100)
	key := srv.seedEntry(t, "https://media.example.com/clip.mov", content)

	resp, body := srv.do(t, http.MethodGet, "/file?id="+key.String(), "", "Range", "bytes=100-199")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, content[100:200], body)

	resp, body = srv.do(t, http.MethodGet, "/file?id="+key.String(), "", "Range", "bytes=990-")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 990-999/1000", resp.Header.Get("Content-Range"))
	assert.Len(t, body, 10)

	resp, body = srv.do(t, http.MethodGet, "/file?id="+key.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, content, body)
}

func TestFileHandler_HeadOnReadyEntry(t *testing.T) {
	srv := newTestServer(t)
	key := srv.seedEntry(t, "https://media.example.com/head.mov", make([]byte, 1000))

	resp, body := srv.do(t, http.MethodHead, "/file?id="+key.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000", resp.Header.Get("Content-Length"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Empty(t, body)
}

func TestFileHandler_BadRequests(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"missing id", http.MethodGet, "/file", http.StatusBadRequest},
		{"malformed id", http.MethodGet, "/file?id=../../etc/passwd", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/file?id=" + cache.KeyFor("https://nowhere.example.com/x.mov").String(), http.StatusNotFound},
		{"unknown id head", http.MethodHead, "/file?id=" + cache.KeyFor("https://nowhere.example.com/x.mov").String(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := srv.do(t, tt.method, tt.path, "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestFileHandler_HeadBeforeStability(t *testing.T) {
	srv := newTestServer(t)
	j, p := srv.resolve(t, "https://media.example.com/early.mov")
	p.write(t, []byte("ftyp"))

	resp, _ := srv.do(t, http.MethodHead, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestFileHandler_StreamPolicyDeclaresObservedSize(t *testing.T) {
	srv := newTestServer(t)
	j, p := srv.resolve(t, "https://media.example.com/stream.mov")

	first := bytes.Repeat([]byte("a"), 32)
	p.write(t, first)

	resp, body := srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "32", resp.Header.Get("Content-Length"))
	assert.Equal(t, "none", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, first, body, "exactly the declared bytes")

	size, declared := j.Declared()
	require.True(t, declared)
	assert.Equal(t, int64(32), size)

	p.write(t, bytes.Repeat([]byte("b"), 8))

	resp, body = srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	assert.Equal(t, "32", resp.Header.Get("Content-Length"), "later requests get the declared size")
	assert.Len(t, body, 32)

	resp, _ = srv.do(t, http.MethodHead, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "32", resp.Header.Get("Content-Length"), "HEAD agrees with GET while encoding")

	resp, body = srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	assert.Equal(t, "32", resp.Header.Get("Content-Length"))
	assert.Len(t, body, 32)

	p.exit(nil)
	waitFinished(t, j)

	resp, body = srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Len(t, body, 40)
}

func TestFileHandler_StreamPolicyInitialTimeout(t *testing.T) {
	srv := newTestServer(t)
	j, _ := srv.resolve(t, "https://media.example.com/silent.mov")

	h := NewFileHandler(srv.manager, job.StablePolicy{
		InitialSize:    8,
		InitialTimeout: 30 * time.Millisecond,
		StableWindow:   10 * time.Millisecond,
		StableTimeout:  time.Second,
	}, time.Second)

	rec := httptest.NewRecorder()
	h.handleGet(rec, httptest.NewRequest(http.MethodGet, "/file?id="+j.Key.String(), nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.True(t, j.ClaimStabilizer(), "a timed out stabilizer releases its claim")
}

func TestFileHandler_WaitPolicy(t *testing.T) {
	srv := newTestServer(t)
	srv.settings.SetWaitForComplete(true)

	type result struct {
		status int
		body   []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := srv.Client().Get(srv.URL + "/transcode?url=https://media.example.com/wait.mov")
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, body, err}
	}()

	p := srv.encoder.next(t)
	assert.True(t, strings.HasSuffix(p.req.Input, ".part"), "wait policy encodes the downloaded source")
	p.write(t, bytes.Repeat([]byte("z"), 100))
	p.exit(nil)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transcode did not return")
	}
	require.NoError(t, res.err)
	require.Equal(t, http.StatusOK, res.status)
	assert.Contains(t, string(res.body), `"state":"ready"`)

	key := cache.KeyFor("https://media.example.com/wait.mov")
	resp, body := srv.do(t, http.MethodGet, "/file?id="+key.String(), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Len(t, body, 100)
}

func TestFileHandler_FailedJob(t *testing.T) {
	srv := newTestServer(t)
	j, p := srv.resolve(t, "https://media.example.com/broken.mov")
	p.write(t, []byte("garbage"))
	p.exit(&ffmpeg.ExitError{Code: 1, Err: errors.New("exit status 1")})
	waitFinished(t, j)

	resp, _ := srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, srv.store.IsValid(j.Key))
}

func TestFileHandler_UndersizedOutputIsNotServed(t *testing.T) {
	srv := newTestServer(t)
	j, p := srv.resolve(t, "https://media.example.com/tiny.mov")
	p.write(t, []byte("ftyp"))
	p.exit(nil)
	waitFinished(t, j)

	assert.Equal(t, job.StateFailed, j.State())
	assert.ErrorIs(t, j.Err(), ffmpeg.ErrEncoderFailed)

	resp, _ := srv.do(t, http.MethodGet, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodHead, "/file?id="+j.Key.String(), "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NoFileExists(t, srv.store.PathFor(j.Key))
}

func TestFileHandler_LiveClientsSurviveDisconnect(t *testing.T) {
	srv := newTestServer(t)
	j, p := srv.resolve(t, "https://media.example.com/live.mov")

	// hold the stabilizer so every request attaches to the live output
	require.True(t, j.ClaimStabilizer())

	url := srv.URL + "/file?id=" + j.Key.String()
	leaverCtx, leave := context.WithCancel(context.Background())
	defer leave()

	leaverReq, err := http.NewRequestWithContext(leaverCtx, http.MethodGet, url, nil)
	require.NoError(t, err)
	leaverResp, err := srv.Client().Do(leaverReq)
	require.NoError(t, err)
	defer leaverResp.Body.Close()
	assert.Empty(t, leaverResp.Header.Get("Content-Length"))

	var (
		wg       sync.WaitGroup
		stayBody []byte
		stayErr  error
	)
	stayResp, err := srv.Client().Get(url)
	require.NoError(t, err)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stayResp.Body.Close()
		stayBody, stayErr = io.ReadAll(stayResp.Body)
	}()

	require.Eventually(t, func() bool { return j.Hub().ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	p.write(t, []byte("ftyp"))
	head := make([]byte, 4)
	_, err = io.ReadFull(leaverResp.Body, head)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(head))
	leave()

	require.Eventually(t, func() bool { return j.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	rest := bytes.Repeat([]byte("m"), 64)
	p.write(t, rest)
	p.exit(nil)
	waitFinished(t, j)
	wg.Wait()

	require.NoError(t, stayErr)
	assert.Equal(t, "ftyp"+string(rest), string(stayBody), "remaining client receives the whole stream")
	assert.Equal(t, job.StateReady, j.State())
}
