// Package logging builds the service's zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

// New returns a logger writing to stdout in the given format: "console" for
// human-readable output, "json" for plain zerolog JSON, or "ecs" for Elastic
// Common Schema documents.
func New(format, level string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stdout, format, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, format, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	switch format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	case "json", "":
		logger = zerolog.New(w).With().Timestamp().Logger()
	case "ecs":
		logger = ecszerolog.New(w).With().Timestamp().Logger()
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return logger.Level(lvl).With().Str("service", "patient-server").Logger(), nil
}
