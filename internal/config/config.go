// Package config loads broker configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all broker settings, loaded from COMMUNE_* variables.
type Config struct {
	ListenAddr string `envconfig:"ADDR" default:":8765"`
	SocketPath string `envconfig:"SOCKET"`
	DBPath     string `envconfig:"DB" default:"commune.db"`
	KeysFile   string `envconfig:"KEYS_FILE"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	DevConsole bool   `envconfig:"DEV_CONSOLE" default:"false"`

	// Context validation limits. MaxContextBytes bounds a single note body;
	// zero-length bodies are always rejected.
	MaxContextBytes int `envconfig:"MAX_CONTEXT_BYTES" default:"65536"`

	// Read pagination defaults.
	ReadLimit    int `envconfig:"READ_LIMIT" default:"20"`
	ReadLimitMax int `envconfig:"READ_LIMIT_MAX" default:"200"`

	// Sweeper settings for closed-connection row hygiene.
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	SweepRetention  time.Duration `envconfig:"SWEEP_RETENTION" default:"24h"`
	DisableSweeper  bool          `envconfig:"DISABLE_SWEEPER" default:"false"`
	DisableMetrics  bool          `envconfig:"DISABLE_METRICS" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// Load reads configuration from the environment with the COMMUNE prefix.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("commune", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.MaxContextBytes <= 0 {
		return nil, fmt.Errorf("COMMUNE_MAX_CONTEXT_BYTES must be positive")
	}
	if cfg.ReadLimit <= 0 || cfg.ReadLimitMax < cfg.ReadLimit {
		return nil, fmt.Errorf("invalid read limits: default %d, max %d", cfg.ReadLimit, cfg.ReadLimitMax)
	}
	return &cfg, nil
}
