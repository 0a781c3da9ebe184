// Package logging builds the zerolog logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger in development and a JSON logger otherwise,
// writing to stderr so stdout stays free for command output.
func New(development bool, level string) zerolog.Logger {
	return NewWithWriter(os.Stderr, development, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, development bool, level string) zerolog.Logger {
	var logger zerolog.Logger
	if development {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(w).
			With().
			Timestamp().
			Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}
