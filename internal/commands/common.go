package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/claraverse/pulse/internal/config"
	"github.com/claraverse/pulse/internal/logging"
)

// AppVersion is set by main
var AppVersion = "0.0.0-dev"

// ConfigPath overrides the default config location (bound to --config)
var ConfigPath string

// Verbose forces debug logging (bound to --verbose)
var Verbose bool

func configFile() (string, error) {
	if ConfigPath != "" {
		return ConfigPath, nil
	}
	return config.DefaultPath()
}

func loadConfig() (string, *config.Config, error) {
	path, err := configFile()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	return path, cfg, nil
}

func logLevel(cfg *config.Config) string {
	if Verbose {
		return "debug"
	}
	return cfg.LogLevel
}

// fileLogger sends logs next to the config so they do not corrupt the
// console. The returned closer is never nil.
func fileLogger(path string, cfg *config.Config) (*slog.Logger, io.Closer) {
	logDir := filepath.Join(filepath.Dir(path), "logs")
	if err := os.MkdirAll(logDir, 0755); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "pulse.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			return logging.New(f, logLevel(cfg), "json"), f
		}
	}
	return logging.Discard(), io.NopCloser(nil)
}
