// Package config loads the gateway configuration from a TOML file, with
// defaults suitable for a local instance in front of the public hiking
// backend.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"trailgate/internal/slippy"
)

// Config is the full gateway configuration.
type Config struct {
	Server struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"server"`
	Upstream struct {
		Origin     string `mapstructure:"origin"`
		TileServer string `mapstructure:"tileServer"`
	} `mapstructure:"upstream"`
	Storage struct {
		DataDir string `mapstructure:"dataDir"`
	} `mapstructure:"storage"`
	Prefetch struct {
		Zooms    []int  `mapstructure:"zooms"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"prefetch"`
	Worker struct {
		Manifest        []string `mapstructure:"manifest"`
		RefreshMinutes  int      `mapstructure:"refreshMinutes"`
		BridgeTimeoutMS int      `mapstructure:"bridgeTimeoutMs"`
	} `mapstructure:"worker"`
	Telemetry struct {
		PosthogKey string `mapstructure:"posthogKey"`
	} `mapstructure:"telemetry"`
	Log struct {
		Level string `mapstructure:"level"`
		Dir   string `mapstructure:"dir"`
	} `mapstructure:"log"`
}

// Load reads the TOML config at path. A missing file is not an error; the
// defaults describe a working local gateway.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8270")
	v.SetDefault("upstream.origin", "https://hiking.biji.co")
	v.SetDefault("upstream.tileServer", "https://tile.openstreetmap.org")
	v.SetDefault("storage.dataDir", "data")
	v.SetDefault("prefetch.zooms", []int{15, 16})
	v.SetDefault("prefetch.endpoint", "/api/tiles/download")
	v.SetDefault("worker.manifest", []string{
		"/index.html",
		"/plan.html",
		"/trail.html",
		"/css/style.css",
		"/js/app.js",
		"/js/map.js",
		"/manifest.json",
		"/favicon.ico",
	})
	v.SetDefault("worker.refreshMinutes", 60)
	v.SetDefault("worker.bridgeTimeoutMs", 1500)
	v.SetDefault("telemetry.posthogKey", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
}

func validate(cfg *Config) error {
	for _, z := range cfg.Prefetch.Zooms {
		if z < slippy.MinZoom || z > slippy.MaxZoom {
			return fmt.Errorf("prefetch zoom %d out of range [%d, %d]", z, slippy.MinZoom, slippy.MaxZoom)
		}
	}
	if len(cfg.Prefetch.Zooms) == 0 {
		return fmt.Errorf("prefetch.zooms must not be empty")
	}
	if cfg.Worker.BridgeTimeoutMS <= 0 {
		return fmt.Errorf("worker.bridgeTimeoutMs must be positive")
	}
	return nil
}
