// Package dzlog is dazukofsd's structured logging setup: a thin,
// concern-specific wrapper around github.com/rs/zerolog, grounded on
// the teacher's logiface-zerolog backend wiring
// (logiface-zerolog/zerolog.go) but used directly rather than through
// logiface's generic builder API — this repository has exactly one
// logging backend, so the abstraction layer logiface exists to swap
// backends buys nothing here.
//
// No call site logs while holding arbiter's assignedMu, workMu, or
// registry mutex for longer than formatting the event itself requires;
// expensive field computation happens after the lock is released
// wherever the call site allows it.
package dzlog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w at the given level name
// ("debug", "info", "warn", "error", or "disabled"). An unrecognized
// level name falls back to "info".
func New(w io.Writer, levelName string) zerolog.Logger {
	level, ok := parseLevel(levelName)
	if !ok {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewConsole builds a human-readable logger for interactive use
// (dazukofsd run from a terminal rather than under a supervisor),
// using zerolog's own ConsoleWriter.
func NewConsole(levelName string) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr}, levelName)
}

func parseLevel(name string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
