// Package config provides application configuration with CLI flag parsing
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabpulse/tabpulse/pkg/logger"
)

// Backend names recognized by --backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds application configuration
type Config struct {
	// Storage
	Backend string // "file", "sqlite", "memory"
	DataDir string
	Prefix  string
	NoSync  bool // keep a per-tab isolated last-active value

	// Tab registry
	StaleAfter time.Duration

	// Relay
	RelayURL   string // ws:// URL of a relay hub, empty for none
	ListenAddr string // serve: address for the relay hub

	// Watch
	Timeouts []time.Duration

	// Logging
	LogLevel   string
	LogFormat  string
	ShowCaller bool
}

// RegisterFlags registers the shared flags on the root command so every
// subcommand inherits them.
func RegisterFlags(cmd *cobra.Command, cfg *Config) {
	// Storage flags
	cmd.PersistentFlags().StringVar(&cfg.Backend, "backend", BackendFile,
		"Storage backend (file, sqlite, memory)")
	cmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", "",
		"Directory for persisted state (default: user cache dir)")
	cmd.PersistentFlags().StringVar(&cfg.Prefix, "prefix", "tabpulse:",
		"Namespace prefix for storage keys")
	cmd.PersistentFlags().BoolVar(&cfg.NoSync, "no-sync", false,
		"Keep a per-tab isolated activity value instead of sharing one across tabs")

	// Tab registry flags
	cmd.PersistentFlags().DurationVar(&cfg.StaleAfter, "stale-after", 30*time.Minute,
		"Heartbeat age beyond which a tab is presumed dead")

	// Relay flags
	cmd.PersistentFlags().StringVar(&cfg.RelayURL, "relay", "",
		"ws:// URL of a relay hub for cross-tab change events")

	// Logging flags
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", "json",
		"Log format (json, pretty)")
	cmd.PersistentFlags().BoolVar(&cfg.ShowCaller, "log-caller", false,
		"Show file:line in logs")
}

// Normalize fills defaults and validates the backend choice.
func (c *Config) Normalize() error {
	switch c.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (expected file, sqlite, or memory)", c.Backend)
	}

	if c.DataDir == "" {
		if env := os.Getenv("TABPULSE_DATA_DIR"); env != "" {
			c.DataDir = env
		} else if cache, err := os.UserCacheDir(); err == nil {
			c.DataDir = filepath.Join(cache, "tabpulse")
		} else {
			c.DataDir = filepath.Join(os.TempDir(), "tabpulse")
		}
	}

	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return nil
}

// LoggerConfig translates the logging flags into a logger configuration.
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.Level(c.LogLevel)
	cfg.Format = logger.Format(c.LogFormat)
	cfg.ShowCaller = c.ShowCaller
	return cfg
}
