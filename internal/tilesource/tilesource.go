// Package tilesource resolves map tile coordinates to displayable images.
// The offline source consults the local store first and delegates to an
// online source on miss, so map rendering keeps working with or without
// connectivity.
package tilesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"trailgate/internal/slippy"
	"trailgate/internal/store"
)

// Tile is a resolved tile image.
type Tile struct {
	Data        []byte
	ContentType string
}

// TileSource resolves a tile coordinate to an image.
type TileSource interface {
	ResolveTile(ctx context.Context, coord slippy.TileCoord) (Tile, error)
}

// Online fetches tiles from a public tile server.
type Online struct {
	serverURL string
	client    *http.Client
}

// NewOnline creates a tile source backed by the tile server at serverURL
// (e.g. "https://tile.openstreetmap.org").
func NewOnline(serverURL string, client *http.Client) *Online {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Online{serverURL: serverURL, client: client}
}

// ResolveTile fetches the tile from the remote server.
func (o *Online) ResolveTile(ctx context.Context, coord slippy.TileCoord) (Tile, error) {
	url := fmt.Sprintf("%s/%s", o.serverURL, coord.Key())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to build tile request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to fetch %s: %w", coord, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Tile{}, fmt.Errorf("tile server returned status %d for %s", resp.StatusCode, coord)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to read tile body for %s: %w", coord, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return Tile{Data: data, ContentType: contentType}, nil
}

// Offline resolves tiles from the local store and falls back to a delegate
// source on miss. A store fault is treated exactly like a miss so that a
// broken database never breaks map rendering.
type Offline struct {
	store    *store.Store
	fallback TileSource
	log      *logrus.Entry
}

// NewOffline composes the store-backed source with a fallback.
func NewOffline(s *store.Store, fallback TileSource, log *logrus.Entry) *Offline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Offline{store: s, fallback: fallback, log: log}
}

// ResolveTile returns the locally cached tile when present, otherwise
// whatever the fallback source produces.
func (o *Offline) ResolveTile(ctx context.Context, coord slippy.TileCoord) (Tile, error) {
	rec, found, err := o.store.Get(store.Tiles, coord.Key())
	if err != nil {
		o.log.Warnf("tile lookup failed for %s, falling back: %v", coord, err)
	} else if found {
		contentType := rec.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		return Tile{Data: rec.Data, ContentType: contentType}, nil
	}
	return o.fallback.ResolveTile(ctx, coord)
}
