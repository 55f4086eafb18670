// Package bundler builds tile archives on demand: it fetches the requested
// tiles from the public tile server and streams them back as a single zip.
package bundler

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"trailgate/internal/slippy"
	"trailgate/internal/tilesource"
)

// MaxTilesPerRequest caps a single archive request. Larger areas are the
// caller's job to split across requests.
const MaxTilesPerRequest = 100

// defaultWorkers bounds concurrent fetches against the tile server.
const defaultWorkers = 8

// Bundler assembles zip archives of map tiles.
type Bundler struct {
	src     tilesource.TileSource
	workers int
	log     *logrus.Entry
}

// Option configures a Bundler.
type Option func(*Bundler)

// WithWorkers sets the fetch concurrency.
func WithWorkers(n int) Option {
	return func(b *Bundler) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(b *Bundler) { b.log = log }
}

// New creates a bundler resolving tiles through src. Composing an offline
// source over an online one makes the bundler reuse locally stored tiles
// instead of refetching them.
func New(src tilesource.TileSource, opts ...Option) *Bundler {
	b := &Bundler{
		src:     src,
		workers: defaultWorkers,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type downloadRequest struct {
	Tiles []slippy.TileCoord `json:"tiles"`
}

type fetched struct {
	key  string
	data []byte
}

// Handler serves POST /api/tiles/download: a JSON tile list in, a zip
// archive out. Individual tile failures are skipped; only a fully failed
// batch is an error to the caller.
func (b *Bundler) Handler(c echo.Context) error {
	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid request body"})
	}
	if len(req.Tiles) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "no tiles requested"})
	}
	if len(req.Tiles) > MaxTilesPerRequest {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"message": fmt.Sprintf("too many tiles requested (max %d)", MaxTilesPerRequest),
		})
	}
	for _, tile := range req.Tiles {
		if err := tile.Validate(); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
		}
	}

	results := b.fetchAll(c, req.Tiles)
	if len(results) == 0 {
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "tile server unavailable"})
	}

	archive, err := buildArchive(results)
	if err != nil {
		b.log.Errorf("failed to build tile archive: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "failed to build archive"})
	}

	b.log.Infof("bundled %d/%d tiles (%d bytes)", len(results), len(req.Tiles), archive.Len())
	return c.Blob(http.StatusOK, "application/zip", archive.Bytes())
}

// fetchAll downloads the tiles through a bounded worker pool and returns
// the ones that succeeded.
func (b *Bundler) fetchAll(c echo.Context, tiles []slippy.TileCoord) []fetched {
	jobs := make(chan slippy.TileCoord)
	out := make(chan fetched, len(tiles))

	var wg sync.WaitGroup
	workers := b.workers
	if workers > len(tiles) {
		workers = len(tiles)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range jobs {
				resolved, err := b.src.ResolveTile(c.Request().Context(), tile)
				if err != nil {
					b.log.Warnf("failed to fetch tile %s: %v", tile.Key(), err)
					continue
				}
				out <- fetched{key: tile.Key(), data: resolved.Data}
			}
		}()
	}

	for _, tile := range tiles {
		jobs <- tile
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]fetched, 0, len(tiles))
	for f := range out {
		results = append(results, f)
	}
	// Worker completion order is not deterministic.
	sort.Slice(results, func(i, j int) bool { return results[i].key < results[j].key })
	return results
}

func buildArchive(results []fetched) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, f := range results {
		w, err := zw.Create(f.key)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive entry %s: %w", f.key, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", f.key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf, nil
}
