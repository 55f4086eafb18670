package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/cheggaaa/pb.v1"

	"trailgate/internal/config"
	"trailgate/internal/logging"
	"trailgate/internal/prefetch"
)

var (
	hf          bool
	configPath  string
	logLevel    string
	prefetchGPX string
)

func initFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&configPath, "c", "trailgate.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "", "set log level (overrides config)")
	flag.StringVar(&prefetchGPX, "prefetch", "", "download tiles for a GPX `file` and exit")
	flag.Usage = usage
	flag.Parse()

	if hf {
		flag.Usage()
		os.Exit(0)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `trailgate version: %s
Usage: trailgate [-h] [-c filename] [-l logLevel] [-prefetch file.gpx]
`, AppVersion)
	flag.PrintDefaults()
}

func main() {
	initFlag()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	if prefetchGPX != "" {
		if err := runPrefetch(app, prefetchGPX); err != nil {
			log.Errorf("prefetch failed: %v", err)
			fmt.Fprintln(os.Stderr, prefetch.UserMessage(err))
			app.Shutdown()
			os.Exit(1)
		}
		app.Shutdown()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("gateway stopped: %v", err)
	}
}

// runPrefetch downloads the tiles covering a GPX track straight from the
// command line, with a progress bar instead of job polling.
func runPrefetch(app *App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read GPX file: %w", err)
	}

	prefetcher := prefetch.New(app.store,
		app.cfg.Upstream.Origin+app.cfg.Prefetch.Endpoint, app.cfg.Prefetch.Zooms)

	var bar *pb.ProgressBar
	stored, err := prefetcher.Run(context.Background(), data, func(p prefetch.Progress) {
		if bar == nil {
			bar = pb.StartNew(p.Total)
		}
		bar.Set(p.Count)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	fmt.Printf("stored %d tiles in %s\n", stored, app.cfg.Storage.DataDir)
	return nil
}
