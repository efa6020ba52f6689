package internal

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the structured logger shared by all components. Pretty
// output uses zerolog's console writer.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
