// Package logging builds the zerolog loggers shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a logger on stdout with the specified level and format
// ("json", or "console"/"pretty" for human-readable output).
func NewLogger(level string, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New creates a logger writing to w.
func New(w io.Writer, level string, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	// the global level defaults to debug and would hide trace records
	if logLevel < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(logLevel)
	}

	if format == "console" || format == "pretty" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).Level(logLevel).With().Timestamp().Logger()
}

// WithService adds the service name and version to every record.
func WithService(logger zerolog.Logger, name, version string) zerolog.Logger {
	return logger.With().Str("service", name).Str("version", version).Logger()
}

// WithComponent returns a logger with a component field
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithLink scopes a logger to one link.
func WithLink(logger zerolog.Logger, linkID string) zerolog.Logger {
	return logger.With().Str("link_id", linkID).Logger()
}
