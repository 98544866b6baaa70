// Package logging builds the structured loggers used during a run: one JSON
// log file per run under the logs directory, plus warnings on the console.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Runs opens per-run log files and keeps them until Close.
type Runs struct {
	dir     string
	level   slog.Level
	console slog.Handler

	mu    sync.Mutex
	files []*os.File
}

// NewRuns logs to <dir>/<run_id>.log at level. console may be nil; when
// set, records at warn and above are also written to it as text.
func NewRuns(dir string, level slog.Level, console io.Writer) *Runs {
	r := &Runs{dir: dir, level: level}
	if console != nil {
		r.console = slog.NewTextHandler(console, &slog.HandlerOptions{Level: slog.LevelWarn})
	}
	return r
}

// Console returns a logger that only writes to the console handler.
func (r *Runs) Console() *slog.Logger {
	if r.console == nil {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(r.console)
}

// Path returns the log file for runID.
func (r *Runs) Path(runID string) string {
	return filepath.Join(r.dir, runID+".log")
}

// Logger opens (appending) the log file for runID.
func (r *Runs) Logger(runID string) (*slog.Logger, error) {
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(r.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	r.mu.Lock()
	r.files = append(r.files, file)
	r.mu.Unlock()

	var handler slog.Handler = slog.NewJSONHandler(file, &slog.HandlerOptions{Level: r.level})
	if r.console != nil {
		handler = &multiHandler{handlers: []slog.Handler{handler, r.console}}
	}
	return slog.New(handler), nil
}

// LoggerOr returns the run logger, or the console logger when the file
// cannot be opened.
func (r *Runs) LoggerOr(runID string) *slog.Logger {
	l, err := r.Logger(runID)
	if err != nil {
		console := r.Console()
		console.Warn("run_log_unavailable", "run_id", runID, "error", err)
		return console
	}
	return l
}

func (r *Runs) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, f := range r.files {
		errs = append(errs, f.Close())
	}
	r.files = nil
	return errors.Join(errs...)
}

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
