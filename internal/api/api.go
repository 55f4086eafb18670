// Package api proxies the hiking backend's JSON endpoints through the
// gateway, with a short response cache and a circuit breaker so a flapping
// upstream degrades to fast failures instead of hung requests.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// cacheTTL keeps trail and weather responses warm between map interactions
// without hiding upstream updates for long.
const cacheTTL = 5 * time.Minute

// Client talks to the hiking backend.
type Client struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *gocache.Cache
	log     *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Client) { a.client = c }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Client) { a.log = log }
}

// NewClient creates a backend client for the given base URL.
func NewClient(base string, opts ...Option) *Client {
	a := &Client{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  gocache.New(cacheTTL, 10*time.Minute),
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hiking-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return a
}

type response struct {
	data        []byte
	contentType string
}

// Trails serves GET /api/trails.
func (a *Client) Trails(c echo.Context) error {
	return a.proxyGet(c, "/api/trails")
}

// Trail serves GET /api/trails/:id.
func (a *Client) Trail(c echo.Context) error {
	return a.proxyGet(c, "/api/trails/"+url.PathEscape(c.Param("id")))
}

// Coordinates serves GET /api/map/coordinates, the backend's list of map
// marker points.
func (a *Client) Coordinates(c echo.Context) error {
	return a.proxyGet(c, "/api/map/coordinates")
}

// Weather serves GET /api/weather/:locationName.
func (a *Client) Weather(c echo.Context) error {
	return a.proxyGet(c, "/api/weather/"+url.PathEscape(c.Param("locationName")))
}

// AnalyzeGPX serves POST /api/gpxanalyzer, forwarding the multipart upload
// unchanged. Analysis results are never cached.
func (a *Client) AnalyzeGPX(c echo.Context) error {
	req, err := http.NewRequestWithContext(c.Request().Context(),
		http.MethodPost, a.base+"/api/gpxanalyzer", c.Request().Body)
	if err != nil {
		return fmt.Errorf("failed to build gpxanalyzer request: %w", err)
	}
	req.Header.Set("Content-Type", c.Request().Header.Get("Content-Type"))

	resp, err := a.do(req)
	if err != nil {
		return a.unavailable(c, err)
	}
	return c.Blob(resp.statusCode(), resp.contentType, resp.data)
}

func (a *Client) proxyGet(c echo.Context, path string) error {
	if entry, found := a.cache.Get(path); found {
		resp := entry.(response)
		return c.Blob(http.StatusOK, resp.contentType, resp.data)
	}

	req, err := http.NewRequestWithContext(c.Request().Context(),
		http.MethodGet, a.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}

	resp, err := a.do(req)
	if err != nil {
		return a.unavailable(c, err)
	}
	if resp.status != http.StatusOK {
		return c.Blob(resp.status, resp.contentType, resp.data)
	}

	a.cache.Set(path, response{data: resp.data, contentType: resp.contentType}, gocache.DefaultExpiration)
	return c.Blob(http.StatusOK, resp.contentType, resp.data)
}

type upstreamResponse struct {
	status      int
	data        []byte
	contentType string
}

func (r upstreamResponse) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// do runs the request through the circuit breaker. Only transport failures
// and 5xx responses count as breaker failures; a 404 is a valid answer.
func (a *Client) do(req *http.Request) (upstreamResponse, error) {
	out, err := a.breaker.Execute(func() (interface{}, error) {
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return upstreamResponse{
			status:      resp.StatusCode,
			data:        data,
			contentType: resp.Header.Get("Content-Type"),
		}, nil
	})
	if err != nil {
		return upstreamResponse{}, err
	}
	return out.(upstreamResponse), nil
}

func (a *Client) unavailable(c echo.Context, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		a.log.Debugf("upstream call short-circuited: %v", err)
	} else {
		a.log.Warnf("upstream call failed: %v", err)
	}
	return c.JSON(http.StatusBadGateway, map[string]string{"message": "backend unavailable"})
}
