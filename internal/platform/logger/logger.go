package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output so log
// aggregation can index correlation and tenant fields.
func New(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With("service", service)
}

// NewNop returns a logger that discards everything. For tests.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
