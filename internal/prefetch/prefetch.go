// Package prefetch implements the tile fetch-and-persist pipeline: a GPX
// track is reduced to its bounding box, the covering tiles are requested
// from the bundling API as a single zip archive, and every tile image in
// the archive is written to the offline store.
package prefetch

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trailgate/internal/gpx"
	"trailgate/internal/slippy"
	"trailgate/internal/store"
)

// The three archive-level failures are deliberately distinct: each gets its
// own user-facing message (see UserMessage).
var (
	// ErrInvalidArchive means the download body is not a zip archive.
	ErrInvalidArchive = errors.New("tile download is not a valid archive")
	// ErrEmptyArchive means the archive holds no tile images.
	ErrEmptyArchive = errors.New("tile archive contains no tiles")
)

// DownloadError reports a non-success HTTP status from the bundling API,
// carrying the server's own message when one was decodable.
type DownloadError struct {
	StatusCode int
	Message    string
}

func (e *DownloadError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tile download failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tile download failed with status %d", e.StatusCode)
}

// Progress is a snapshot of the pipeline's position within a run. Percent
// is monotonically non-decreasing over the life of one run.
type Progress struct {
	Count   int    `json:"count"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// ProgressFunc receives progress snapshots. It is called from the pipeline
// goroutine and must not block for long.
type ProgressFunc func(Progress)

// Prefetcher drives the pipeline against one store and one bundling
// endpoint.
type Prefetcher struct {
	store    *store.Store
	endpoint string // bundling API URL, e.g. http://host/api/tiles/download
	zooms    []int
	client   *http.Client
	log      *logrus.Entry
}

// Option configures a Prefetcher.
type Option func(*Prefetcher)

// WithHTTPClient overrides the HTTP client used for the archive download.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prefetcher) {
		p.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Prefetcher) {
		p.log = log
	}
}

// New creates a Prefetcher writing to s. zooms is the set of zoom levels to
// cover; the pipeline enumerates the full covering rectangle for each.
func New(s *store.Store, endpoint string, zooms []int, opts ...Option) *Prefetcher {
	p := &Prefetcher{
		store:    s,
		endpoint: endpoint,
		zooms:    zooms,
		client:   &http.Client{Timeout: 2 * time.Minute},
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	if len(p.zooms) == 0 {
		p.zooms = []int{15, 16}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// tileRequest is the bundling API request body.
type tileRequest struct {
	Tiles []slippy.TileCoord `json:"tiles"`
}

// Run executes the pipeline for one GPX document and returns the number of
// tiles stored. Validation failures happen before any network call; a
// failure on a single tile is logged and skipped, never fatal to the run.
func (p *Prefetcher) Run(ctx context.Context, gpxData []byte, onProgress ProgressFunc) (int, error) {
	report := func(pr Progress) {
		if onProgress != nil {
			onProgress(pr)
		}
	}

	bbox, err := gpx.Bounds(gpxData)
	if err != nil {
		return 0, err
	}

	tiles := slippy.CoverZooms(bbox, p.zooms)
	p.log.Infof("prefetch: %d tiles (~%.1f MB) over zooms %v", len(tiles), slippy.EstimateDownloadSize(len(tiles)), p.zooms)
	report(Progress{Total: len(tiles), Status: "downloading tile archive"})

	archive, err := p.download(ctx, tiles)
	if err != nil {
		return 0, err
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, ErrInvalidArchive
	}
	if len(zr.File) == 0 {
		return 0, ErrEmptyArchive
	}

	var entries []*zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".png") {
			entries = append(entries, f)
		}
	}
	total := len(entries)
	if total == 0 {
		return 0, ErrEmptyArchive
	}

	// Sequential writes in archive order keep progress deterministic and
	// monotonic; entry names are already in tile-key form.
	count := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		blob, err := readEntry(entry)
		if err != nil {
			p.log.Warnf("prefetch: failed to read archive entry %s: %v", entry.Name, err)
			continue
		}
		if err := p.store.Put(store.Tiles, entry.Name, store.Record{Data: blob, ContentType: "image/png"}); err != nil {
			p.log.Warnf("prefetch: failed to store tile %s: %v", entry.Name, err)
			continue
		}

		count++
		report(Progress{
			Count:   count,
			Total:   total,
			Percent: int(math.Round(float64(count) / float64(total) * 100)),
			Status:  fmt.Sprintf("storing tiles (%d/%d)", count, total),
		})
	}

	report(Progress{Count: count, Total: total, Percent: 100, Status: "done"})
	p.log.Infof("prefetch: stored %d of %d tiles", count, total)
	return count, nil
}

// download posts the tile list and returns the raw archive body.
func (p *Prefetcher) download(ctx context.Context, tiles []slippy.TileCoord) ([]byte, error) {
	body, err := json.Marshal(tileRequest{Tiles: tiles})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tile list: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach tile download API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		derr := &DownloadError{StatusCode: resp.StatusCode}
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil {
			derr.Message = apiErr.Message
		}
		return nil, derr
	}

	return io.ReadAll(resp.Body)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// UserMessage maps a pipeline failure to the message shown to the user.
// The three archive failure kinds stay distinguishable.
func UserMessage(err error) string {
	var derr *DownloadError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gpx.ErrNoTrackPoints):
		return "The GPX file contains no track points."
	case errors.As(err, &derr):
		if derr.Message != "" {
			return derr.Message
		}
		return "Downloading tiles failed, please try again later."
	case errors.Is(err, ErrInvalidArchive):
		return "The server did not return a valid tile archive, please try again later."
	case errors.Is(err, ErrEmptyArchive):
		return "The tile archive contained no tiles, please check the requested area."
	default:
		return "Preparing the offline map failed."
	}
}
