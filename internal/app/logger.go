// Package app assembles the monitor from configuration. Every binary builds
// its components through here.
package app

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the root logger for a binary. LOG_LEVEL selects the
// level (default info); LOG_FORMAT=console switches to human output.
func NewLogger(service, version string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, service, version)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, service, version string) zerolog.Logger {
	return newLogger(w, service, version, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

func newLogger(w io.Writer, service, version, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}
