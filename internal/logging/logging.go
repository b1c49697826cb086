// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr and every extra writer (such as the
// web log buffer). Format "json" emits one JSON object per line; anything
// else uses the human console format without colour.
func New(level, format string, extra ...io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := make([]io.Writer, 0, 1+len(extra))
	for _, w := range append([]io.Writer{os.Stderr}, extra...) {
		if w == nil {
			continue
		}
		if !strings.EqualFold(format, "json") {
			w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
		}
		writers = append(writers, w)
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
