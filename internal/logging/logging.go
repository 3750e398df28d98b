// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every production log line.
const ServiceName = "paygate"

// New creates a structured logger. Development gets pretty console output,
// every other environment gets JSON on stdout. An unknown level falls
// back to info.
func New(levelStr, environment string) zerolog.Logger {
	return NewWithWriter(os.Stdout, levelStr, environment)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("environment", environment).
		Logger()
}
