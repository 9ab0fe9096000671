package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// teeHandler sends each record to every handler that accepts its level
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t teeHandler) each(fn func(slog.Handler) slog.Handler) teeHandler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = fn(h)
	}
	return out
}

// SetupLogger logs text to stdout at consoleLevel and JSON to the run log
// in the output directory. The caller closes the returned file.
func SetupLogger(layout *Layout, consoleLevel slog.Level) (*slog.Logger, *os.File, error) {
	logFile, err := os.OpenFile(layout.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return NewRunLogger(os.Stdout, logFile, consoleLevel), logFile, nil
}

// NewRunLogger writes text to console at consoleLevel. The JSON run log
// always records debug detail so a failed record can be traced afterwards.
func NewRunLogger(console, runLog io.Writer, consoleLevel slog.Level) *slog.Logger {
	return slog.New(teeHandler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: consoleLevel}),
		slog.NewJSONHandler(runLog, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
}
