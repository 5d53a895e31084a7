// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"

	"github.com/probekit/probekit/asr"
)

// Config is the full process configuration. All knobs come from PROBEKIT_*
// environment variables.
type Config struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `env:"PROBEKIT_LISTEN_ADDR,default=0.0.0.0:8000"`
	// BasePath is where the MCP surface is mounted.
	BasePath string `env:"PROBEKIT_BASE_PATH,default=/mcp"`
	// DataDir holds settings, cookie files, and temp downloads. Defaults to
	// ~/.probekit when unset.
	DataDir string `env:"PROBEKIT_HOME"`

	AdminPassword string `env:"PROBEKIT_ADMIN_PASSWORD"`
	DisableAdmin  bool   `env:"PROBEKIT_DISABLE_ADMIN,default=false"`

	// ExtractorBinary is the media extractor executable to invoke.
	ExtractorBinary string `env:"PROBEKIT_YTDLP_BIN,default=yt-dlp"`

	LogLevel string `env:"PROBEKIT_LOG_LEVEL,default=info"`

	ASR asr.Config
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".probekit")
	}
	return &cfg, nil
}

// SlogLevel maps the configured level name onto a slog level. Unknown names
// fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
