package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/internal/config"
	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/job"
)

func TestRegisterAll_SingleAPI(t *testing.T) {
	store, err := cache.Open(cache.Options{Dir: t.TempDir(), WindowSize: 3, MinValidSize: 16})
	require.NoError(t, err)
	defer store.Close()

	settings, err := job.NewSettings(false, ffmpeg.PresetBalanced)
	require.NoError(t, err)
	manager, err := job.NewManager(job.Options{
		Store:    store,
		Encoder:  &scriptedEncoder{started: make(chan *scriptedProcess, 1)},
		Settings: settings,
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("mp4proxy test", "1.0.0"))

	require.NotPanics(t, func() {
		RegisterAll(api, router, Dependencies{
			Manager:           manager,
			Store:             store,
			Settings:          settings,
			Config:            &config.Config{},
			Policy:            testPolicy,
			CompletionTimeout: time.Second,
			HWAccel:           ffmpeg.HWAccelResult{Platform: "linux"},
			Inspector:         &stubInspector{info: &ffmpeg.MediaInfo{}},
			Version:           "1.0.0",
		})
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/openapi.json")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, path := range []string{
		"/transcode", "/cancel", "/jobs", "/clear-cache", "/cache-info", "/cache",
		"/set-wait-mode", "/presets", "/set-preset", "/log-level", "/config",
		"/health", "/version", "/ffmpeg", "/probe",
	} {
		assert.Contains(t, doc.Paths, path)
	}

	resp, err = http.Get(srv.URL + "/cache-info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Head(srv.URL + "/file?id=" + cache.KeyFor("https://media.example.com/none.mov").String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
