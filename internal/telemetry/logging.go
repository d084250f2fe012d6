// Package telemetry centralizes the engine's structured logging and
// Prometheus metrics so every package logs and counts through one place
// instead of reaching for fmt.Println or a bespoke counter.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger, e.g. so a host can route engine logs
// into its own structured log pipeline.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New builds a logger with the given format ("json" or anything else for
// text) and level, writing to w (defaults to os.Stderr if nil).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(h)
}
