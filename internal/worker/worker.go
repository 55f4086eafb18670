// Package worker intercepts every request passing through the gateway and
// serves it cache-first: a versioned precache installed from a fixed URL
// manifest, then the offline store (via the bridge), then the network.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"trailgate/internal/bridge"
	"trailgate/internal/store"
)

// precacheSize bounds the in-memory precache. The manifest is a fixed list
// far below this; the bound only guards against misconfiguration.
const precacheSize = 512

var tilePathRe = regexp.MustCompile(`^/\d+/\d+/\d+\.png$`)

// shellRoutes are the HTML shells served from cache with any query string
// ignored.
var shellRoutes = map[string]bool{
	"/index.html": true,
	"/plan.html":  true,
	"/trail.html": true,
}

// staticExts are the asset extensions resolved through the "static"
// namespace.
var staticExts = map[string]bool{
	".js":   true,
	".css":  true,
	".png":  true,
	".jpg":  true,
	".json": true,
	".ico":  true,
}

type cached struct {
	data        []byte
	contentType string
}

// Worker is the background cache layer. A Worker instance owns one
// precache generation at a time; Install replaces the whole set.
type Worker struct {
	manifest   []string
	upstream   string // origin base URL for shells/static assets
	tileServer string // public tile server base URL
	broker     *bridge.Broker
	client     *http.Client
	log        *logrus.Entry

	mu       sync.RWMutex
	precache *lru.Cache[string, cached]
	rev      int
}

// Config carries the worker's fixed wiring.
type Config struct {
	Manifest   []string // bare paths to precache at install
	Upstream   string   // origin base URL
	TileServer string   // public tile server base URL
	Client     *http.Client
	Log        *logrus.Entry
}

// New creates a worker. Call Install before serving to populate the
// precache; an uninstalled worker still resolves every request through the
// bridge and network.
func New(broker *bridge.Broker, cfg Config) (*Worker, error) {
	cache, err := lru.New[string, cached](precacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create precache: %w", err)
	}
	w := &Worker{
		manifest:   cfg.Manifest,
		upstream:   strings.TrimSuffix(cfg.Upstream, "/"),
		tileServer: strings.TrimSuffix(cfg.TileServer, "/"),
		broker:     broker,
		client:     cfg.Client,
		log:        cfg.Log,
		precache:   cache,
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 30 * time.Second}
	}
	if w.log == nil {
		w.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return w, nil
}

// Install eagerly fetches every manifest URL and replaces the precache with
// the new set. Failure of any single fetch fails the whole install and
// leaves the previous generation serving.
func (w *Worker) Install(ctx context.Context) error {
	fresh, err := lru.New[string, cached](precacheSize)
	if err != nil {
		return fmt.Errorf("failed to create precache: %w", err)
	}

	for _, p := range w.manifest {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, contentType, err := w.fetchCtx(ctx, w.upstream+p)
		if err != nil {
			return fmt.Errorf("precache install failed for %s: %w", p, err)
		}
		fresh.Add(p, cached{data: data, contentType: contentType})
	}

	w.mu.Lock()
	w.precache = fresh
	w.rev++
	rev := w.rev
	w.mu.Unlock()

	w.log.Infof("precache v%d installed (%d entries)", rev, len(w.manifest))
	return nil
}

// Revision returns the current precache generation, 0 before the first
// successful install.
func (w *Worker) Revision() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rev
}

// Middleware returns the echo middleware performing fetch interception.
// Classification never escapes as an error: anything unrecognized, and any
// internal failure, resolves through the next handler.
func (w *Worker) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			handled, err := w.intercept(c)
			if err != nil {
				w.log.Warnf("cache worker failed for %s, passing through: %v", c.Request().URL.Path, err)
				return next(c)
			}
			if handled {
				return nil
			}
			return next(c)
		}
	}
}

// intercept classifies the request and serves it from cache when possible.
// handled == false means the request should continue down the chain.
func (w *Worker) intercept(c echo.Context) (handled bool, err error) {
	// A classification bug must degrade to pass-through, not a 500.
	defer func() {
		if r := recover(); r != nil {
			handled, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	reqPath := c.Request().URL.Path

	switch {
	case tilePathRe.MatchString(reqPath):
		return true, w.serveTile(c, reqPath)
	case staticExts[path.Ext(reqPath)]:
		return true, w.serveStatic(c, reqPath)
	case shellRoutes[reqPath]:
		return true, w.serveShell(c, reqPath)
	default:
		if entry, ok := w.lookup(reqPath); ok {
			return true, c.Blob(http.StatusOK, entry.contentType, entry.data)
		}
		return false, nil
	}
}

// serveTile resolves a tile-shaped path: precache, then the "tiles"
// namespace over the bridge, then the public tile server.
func (w *Worker) serveTile(c echo.Context, reqPath string) error {
	if entry, ok := w.lookup(reqPath); ok {
		return c.Blob(http.StatusOK, entry.contentType, entry.data)
	}

	key := strings.TrimPrefix(reqPath, "/")
	res := w.broker.Request(c.Request().Context(), bridge.Query{DB: store.Tiles, Key: key})
	if res.Found {
		return blob(c, res.ContentType, "image/png", res.Payload)
	}

	return w.proxy(c, w.tileServer+reqPath)
}

// serveStatic resolves a static asset: precache, then the "static"
// namespace over the bridge, then the origin.
func (w *Worker) serveStatic(c echo.Context, reqPath string) error {
	if entry, ok := w.lookup(reqPath); ok {
		return c.Blob(http.StatusOK, entry.contentType, entry.data)
	}

	res := w.broker.Request(c.Request().Context(), bridge.Query{DB: store.Static, Key: reqPath})
	if res.Found {
		return blob(c, res.ContentType, "application/octet-stream", res.Payload)
	}

	return w.proxy(c, w.upstream+reqPath)
}

// serveShell returns the cached shell for the bare path, ignoring any query
// string, with a network fetch of the same bare path as fallback.
func (w *Worker) serveShell(c echo.Context, barePath string) error {
	if entry, ok := w.lookup(barePath); ok {
		return c.Blob(http.StatusOK, entry.contentType, entry.data)
	}
	return w.proxy(c, w.upstream+barePath)
}

// ProxyUpstream forwards the request to the origin unchanged, query string
// included. Registered as the catch-all route so paths the gateway does not
// serve itself still resolve to whatever the origin answers.
func (w *Worker) ProxyUpstream(c echo.Context) error {
	return w.proxy(c, w.upstream+c.Request().URL.RequestURI())
}

func (w *Worker) lookup(key string) (cached, bool) {
	w.mu.RLock()
	cache := w.precache
	w.mu.RUnlock()
	return cache.Get(key)
}

// proxy performs the universal network fallback.
func (w *Worker) proxy(c echo.Context, url string) error {
	data, contentType, err := w.fetch(url)
	if err != nil {
		w.log.Debugf("network fallback failed for %s: %v", url, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "resource unavailable offline"})
	}
	return blob(c, contentType, "application/octet-stream", data)
}

func (w *Worker) fetch(url string) ([]byte, string, error) {
	return w.fetchCtx(context.Background(), url)
}

func (w *Worker) fetchCtx(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d for %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func blob(c echo.Context, contentType, fallback string, data []byte) error {
	if contentType == "" {
		contentType = fallback
	}
	return c.Blob(http.StatusOK, contentType, data)
}
