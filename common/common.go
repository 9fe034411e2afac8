// Package common holds process-wide setup shared by the binaries: the package
// name used for metrics, logger construction and tracing.
package common

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// PackageName prefixes process-level metrics.
const PackageName = "dapagg"

// LoggingConfig selects the log format and level.
type LoggingConfig struct {
	// ForceJSONOutput emits JSON even when stdout is a terminal.
	ForceJSONOutput bool   `yaml:"force_json_output"`
	Level           string `yaml:"level"`
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SetupLogger builds the process logger and installs it as the slog default.
// Output is JSON unless stdout is a terminal and JSON was not forced.
func SetupLogger(cfg LoggingConfig) *slog.Logger {
	log := NewLogger(os.Stdout, cfg, term.IsTerminal(int(os.Stdout.Fd())))
	slog.SetDefault(log)
	return log
}

// NewLogger builds a logger writing to w.
func NewLogger(w io.Writer, cfg LoggingConfig, isTerminal bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.ForceJSONOutput || !isTerminal {
		return slog.New(slog.NewJSONHandler(w, opts)).With("service", PackageName)
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
