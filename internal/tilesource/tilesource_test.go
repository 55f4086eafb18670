package tilesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailgate/internal/slippy"
	"trailgate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOnlineResolveTile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/15/27397/14132.png", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("online tile"))
	}))
	defer srv.Close()

	src := NewOnline(srv.URL, srv.Client())
	tile, err := src.ResolveTile(context.Background(), slippy.TileCoord{Z: 15, X: 27397, Y: 14132})
	require.NoError(t, err)
	assert.Equal(t, []byte("online tile"), tile.Data)
	assert.Equal(t, "image/png", tile.ContentType)
}

func TestOnlineResolveTileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewOnline(srv.URL, srv.Client())
	_, err := src.ResolveTile(context.Background(), slippy.TileCoord{Z: 1, X: 0, Y: 0})
	require.Error(t, err)
}

func TestOfflineHitSkipsNetwork(t *testing.T) {
	s := newTestStore(t)
	coord := slippy.TileCoord{Z: 15, X: 27397, Y: 14132}
	require.NoError(t, s.Put(store.Tiles, coord.Key(), store.Record{
		Data:        []byte("cached tile"),
		ContentType: "image/png",
	}))

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("online tile"))
	}))
	defer srv.Close()

	src := NewOffline(s, NewOnline(srv.URL, srv.Client()), nil)
	tile, err := src.ResolveTile(context.Background(), coord)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached tile"), tile.Data)
	assert.Zero(t, calls, "cached tile must not hit the network")
}

func TestOfflineMissFallsBack(t *testing.T) {
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("online tile"))
	}))
	defer srv.Close()

	src := NewOffline(s, NewOnline(srv.URL, srv.Client()), nil)
	tile, err := src.ResolveTile(context.Background(), slippy.TileCoord{Z: 15, X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("online tile"), tile.Data)
}

// A store fault must behave exactly like a miss: rendering falls back to
// the online source instead of surfacing the error.
func TestOfflineStoreFaultFallsBack(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close()) // every Get now fails

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("online tile"))
	}))
	defer srv.Close()

	src := NewOffline(s, NewOnline(srv.URL, srv.Client()), nil)
	tile, err := src.ResolveTile(context.Background(), slippy.TileCoord{Z: 15, X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("online tile"), tile.Data)
}
