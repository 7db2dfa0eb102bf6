// Package logging builds the zerolog loggers used across dingbridge.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the base logger writing to stderr at the given level.
// Unknown levels fall back to info. When pretty is true, output uses the
// human-readable console format instead of JSON.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ForAccount returns a child logger scoped to one gateway account.
func ForAccount(base zerolog.Logger, accountID string) zerolog.Logger {
	return base.With().Str("account", accountID).Logger()
}
