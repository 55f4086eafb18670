package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailgate/internal/config"
	"trailgate/internal/store"
)

const testGPX = `<?xml version="1.0"?>
<gpx version="1.1" creator="test">
  <trk><trkseg>
    <trkpt lat="24.139" lon="120.905"></trkpt>
    <trkpt lat="24.165" lon="120.932"></trkpt>
  </trkseg></trk>
</gpx>`

// newTestApp wires a full App against a fake hiking backend that serves a
// one-tile archive for every prefetch request.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	archive := &bytes.Buffer{}
	zw := zip.NewWriter(archive)
	w, err := zw.Create("15/27389/14116.png")
	require.NoError(t, err)
	w.Write([]byte("png-bytes"))
	require.NoError(t, zw.Close())

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tiles/download":
			w.Header().Set("Content-Type", "application/zip")
			w.Write(archive.Bytes())
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("origin home"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.DataDir = t.TempDir()
	cfg.Upstream.Origin = origin.URL
	cfg.Upstream.TileServer = origin.URL

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	app, err := NewApp(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { app.store.Close() })

	return app, origin
}

func (a *App) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestPrefetchEndToEnd(t *testing.T) {
	app, _ := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/offline/prefetch",
		bytes.NewReader([]byte(testGPX))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	jobID := started["jobId"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		rec := app.serve(httptest.NewRequest(http.MethodGet, "/api/offline/prefetch/"+jobID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var job struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	stored, found, err := app.store.Get(store.Tiles, "15/27389/14116.png")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("png-bytes"), stored.Data)
}

func TestPrefetchRejectsEmptyBody(t *testing.T) {
	app, _ := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/offline/prefetch", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrefetchStatusUnknownJob(t *testing.T) {
	app, _ := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/api/offline/prefetch/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOfflineStatusReportsStoreCounts(t *testing.T) {
	app, _ := newTestApp(t)
	require.NoError(t, app.store.Put(store.Tiles, "15/1/2.png",
		store.Record{Data: []byte("t"), ContentType: "image/png"}))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/api/offline/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Tiles  int `json:"tiles"`
		Static int `json:"static"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Tiles)
	assert.Equal(t, 0, status.Static)
}

func TestUnroutedPathProxiedToOrigin(t *testing.T) {
	app, _ := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin home", rec.Body.String())
}

func TestStoredTileServedThroughWorker(t *testing.T) {
	app, _ := newTestApp(t)
	require.NoError(t, app.store.Put(store.Tiles, "15/27397/14132.png",
		store.Record{Data: []byte("stored"), ContentType: "image/png"}))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/15/27397/14132.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stored", rec.Body.String())
}
