package harness

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for the harness.
// Defaults to a discard handler until InitLogger is called.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// InitLogger configures the harness logger.
// Console output is always on: INFO (or the configured level) to stdout,
// WARN and above to stderr. If logDir is non-empty, records are also written to:
//   - surfcheck.log        all records at the configured level (10MB, 3 backups)
//   - surfcheck_error.log  ERROR only (10MB, 3 backups)
func InitLogger(logDir string, level slog.Level) {
	handlers := []slog.Handler{
		&consoleHandler{
			min:    level,
			stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
			stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		},
		&errorCaptureHandler{},
	}

	if logDir != "" {
		os.MkdirAll(logDir, 0750) //nolint:errcheck

		handlers = append(handlers,
			slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "surfcheck.log"),
				MaxSize:    10,
				MaxBackups: 3,
			}, &slog.HandlerOptions{Level: level}),
			slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "surfcheck_error.log"),
				MaxSize:    10,
				MaxBackups: 3,
			}, &slog.HandlerOptions{Level: slog.LevelError}),
		)
	}

	logger = slog.New(&multiHandler{handlers: handlers})
}

// ServerLogWriter returns a rotating writer for the server's combined
// output in logDir, or nil when logDir is empty.
func ServerLogWriter(logDir string) io.WriteCloser {
	if logDir == "" {
		return nil
	}
	os.MkdirAll(logDir, 0750) //nolint:errcheck
	return &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "server.log"),
		MaxSize:    10,
		MaxBackups: 3,
	}
}

// ParseLevel maps a config string to a slog level. Unknown values mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given log level is enabled.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// --- consoleHandler: routes INFO→stdout, WARN+→stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

// --- errorCapture: keeps the most recent error records for the run report ---

const errorRingSize = 4

// LogEntry is a captured error-level log record.
type LogEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Comp    string    `json:"comp" yaml:"comp"`
	Message string    `json:"message" yaml:"message"`
	Error   string    `json:"error,omitempty" yaml:"error,omitempty"`
}

var errorRing struct {
	mu      sync.Mutex
	entries [errorRingSize]LogEntry
	count   int
}

// RecentErrors returns captured error records, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, errorRingSize)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%errorRingSize]
	}
	return out
}

// resetRecentErrors clears the ring. Called at the start of every run.
func resetRecentErrors() {
	errorRing.mu.Lock()
	errorRing.count = 0
	errorRing.mu.Unlock()
}

// errorCaptureHandler records ERROR records. The comp attribute is usually
// attached through sub(), so WithAttrs keeps it on the returned handler.
type errorCaptureHandler struct {
	comp string
}

func (h *errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Comp: h.comp, Message: r.Message}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	})
	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%errorRingSize] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	comp := h.comp
	for _, a := range attrs {
		if a.Key == "comp" {
			comp = a.Value.String()
		}
	}
	return &errorCaptureHandler{comp: comp}
}

func (h *errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
