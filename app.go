package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"

	"trailgate/internal/api"
	"trailgate/internal/bridge"
	"trailgate/internal/bundler"
	"trailgate/internal/config"
	"trailgate/internal/logging"
	"trailgate/internal/prefetch"
	"trailgate/internal/store"
	"trailgate/internal/tilesource"
	"trailgate/internal/worker"
)

// Linker flags
var (
	PostHogHost string = "https://eu.i.posthog.com"
	AppVersion  string = "0.0.0-dev"
)

// App owns every long-lived component of the gateway and ties their
// lifecycles together.
type App struct {
	cfg       *config.Config
	log       *logrus.Logger
	store     *store.Store
	broker    *bridge.Broker
	worker    *worker.Worker
	jobs      *prefetch.Manager
	backend   *api.Client
	bundler   *bundler.Bundler
	echo      *echo.Echo
	scheduler *gocron.Scheduler
	phClient  posthog.Client
}

// NewApp wires the gateway from its configuration. The returned App is not
// serving yet; call Run.
func NewApp(cfg *config.Config, log *logrus.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s, err := store.Open(filepath.Join(cfg.Storage.DataDir, "offline.db"),
		store.WithLogger(logging.Component(log, "store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}

	broker := bridge.NewBroker(
		bridge.WithTimeout(time.Duration(cfg.Worker.BridgeTimeoutMS)*time.Millisecond),
		bridge.WithLogger(logging.Component(log, "bridge")))
	broker.Register(bridge.StoreClient(s, logging.Component(log, "bridge")))

	w, err := worker.New(broker, worker.Config{
		Manifest:   cfg.Worker.Manifest,
		Upstream:   cfg.Upstream.Origin,
		TileServer: cfg.Upstream.TileServer,
		Log:        logging.Component(log, "worker"),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create cache worker: %w", err)
	}

	prefetcher := prefetch.New(s, cfg.Upstream.Origin+cfg.Prefetch.Endpoint, cfg.Prefetch.Zooms,
		prefetch.WithLogger(logging.Component(log, "prefetch")))
	jobs := prefetch.NewManager(prefetcher, logging.Component(log, "prefetch"))

	backend := api.NewClient(cfg.Upstream.Origin,
		api.WithLogger(logging.Component(log, "api")))

	tiles := tilesource.NewOffline(s,
		tilesource.NewOnline(cfg.Upstream.TileServer, nil),
		logging.Component(log, "tilesource"))
	bnd := bundler.New(tiles,
		bundler.WithLogger(logging.Component(log, "bundler")))

	var phClient posthog.Client
	if cfg.Telemetry.PosthogKey != "" {
		client, err := posthog.NewWithConfig(cfg.Telemetry.PosthogKey, posthog.Config{
			Endpoint: PostHogHost,
		})
		if err != nil {
			log.Warnf("failed to initialize PostHog: %v", err)
		} else {
			phClient = client
		}
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     s,
		broker:    broker,
		worker:    w,
		jobs:      jobs,
		backend:   backend,
		bundler:   bnd,
		scheduler: gocron.NewScheduler(time.UTC),
		phClient:  phClient,
	}
	a.echo = a.buildServer()
	return a, nil
}

func (a *App) buildServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(a.worker.Middleware())

	e.POST("/api/offline/prefetch", a.handlePrefetchStart)
	e.GET("/api/offline/prefetch/:id", a.handlePrefetchStatus)
	e.GET("/api/offline/status", a.handleOfflineStatus)

	e.POST("/api/tiles/download", a.bundler.Handler)

	e.GET("/api/trails", a.backend.Trails)
	e.GET("/api/trails/:id", a.backend.Trail)
	e.GET("/api/weather/:locationName", a.backend.Weather)
	e.GET("/api/map/coordinates", a.backend.Coordinates)
	e.POST("/api/gpxanalyzer", a.backend.AnalyzeGPX)

	// Anything no route claims still resolves through the origin.
	e.Any("/*", a.worker.ProxyUpstream)

	return e
}

// handlePrefetchStart accepts a GPX upload (multipart "gpxFile" field, or a
// raw GPX body) and starts a background prefetch job.
func (a *App) handlePrefetchStart(c echo.Context) error {
	data, err := readGPXUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}

	job := a.jobs.Start(data)
	a.TrackEvent("prefetch_started", map[string]interface{}{"jobId": job.ID})
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (a *App) handlePrefetchStatus(c echo.Context) error {
	job, found := a.jobs.Get(c.Param("id"))
	if !found {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "unknown job"})
	}
	return c.JSON(http.StatusOK, job)
}

// handleOfflineStatus reports what the offline store currently holds.
func (a *App) handleOfflineStatus(c echo.Context) error {
	tiles, err := a.store.Count(store.Tiles)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "store unavailable"})
	}
	static, err := a.store.Count(store.Static)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "store unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tiles":       tiles,
		"static":      static,
		"precacheRev": a.worker.Revision(),
		"version":     AppVersion,
	})
}

func readGPXUpload(c echo.Context) ([]byte, error) {
	if file, err := c.FormFile("gpxFile"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no GPX file provided")
	}
	return data, nil
}

// Run installs the precache, schedules its refresh and serves until the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.worker.Install(ctx); err != nil {
		// The gateway still serves from the store and the network; the
		// next scheduled refresh retries.
		a.log.Warnf("initial precache install failed: %v", err)
	}

	minutes := a.cfg.Worker.RefreshMinutes
	if minutes <= 0 {
		minutes = 60
	}
	if _, err := a.scheduler.Every(minutes).Minutes().Do(func() {
		if err := a.worker.Install(context.Background()); err != nil {
			a.log.Warnf("precache refresh failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule precache refresh: %w", err)
	}
	a.scheduler.StartAsync()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.echo.Start(a.cfg.Server.Listen)
	}()
	a.log.Infof("trailgate %s listening on %s", AppVersion, a.cfg.Server.Listen)
	a.TrackEvent("gateway_started", map[string]interface{}{"version": AppVersion})

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return a.Shutdown()
	}
}

// TrackEvent records a telemetry event. A gateway without a PostHog key
// configured sends nothing.
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient == nil {
		return
	}
	a.phClient.Enqueue(posthog.Capture{
		DistinctId: "gateway",
		Event:      event,
		Properties: props,
	})
}

// Shutdown stops the server and releases every component.
func (a *App) Shutdown() error {
	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		a.log.Warnf("server shutdown: %v", err)
	}

	if a.phClient != nil {
		a.phClient.Close()
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close offline store: %w", err)
	}
	return nil
}
