package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// LogFileName is the name of the log file created inside the coordination
// directory. Every instance appends to the same file.
const LogFileName = "coord.log"

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var levels = map[string]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// sink is the destination shared by a logger and all of its children.
type sink struct {
	mu   sync.Mutex
	file *os.File
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Logger writes structured entries through log/slog: JSON lines to the log
// file, colored text to stderr. Child loggers carry extra attributes and
// share the parent's sink. It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	sink   *sink
}

// NewLogger creates a Logger appending JSON lines to {dir}/coord.log at the
// given level (DEBUG, INFO, WARN or ERROR; anything else means INFO). With an
// empty dir it writes colored text to stderr instead.
//
// Several processes append to the same file, so every entry carries the
// writing process's pid.
func NewLogger(dir string, level string) (*Logger, error) {
	if dir == "" {
		handler := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      levels[ParseLevel(level)],
			TimeFormat: "15:04:05.000",
		})
		return &Logger{logger: slog.New(handler), sink: &sink{}}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return newLogger(f, f, level), nil
}

// NewWriterLogger creates a Logger that writes JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return newLogger(w, nil, level)
}

func newLogger(w io.Writer, file *os.File, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levels[ParseLevel(level)],
	})
	return &Logger{
		logger: slog.New(handler).With(slog.Int("pid", os.Getpid())),
		sink:   &sink{file: file},
	}
}

// WithInstance tags every entry with the coordination instance id.
func (l *Logger) WithInstance(instanceID string) *Logger {
	return l.With("instance_id", instanceID)
}

// WithSession tags every entry with the session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.With("session_id", sessionID)
}

// WithComponent tags every entry with a component name such as "lease",
// "adaptive", "coordination" or "ownership".
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// With returns a child Logger with alternating key-value attributes.
// Pairs whose key is not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	attrs := make([]any, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		}
	}
	return &Logger{logger: l.logger.With(attrs...), sink: l.sink}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Close syncs and closes the log file. It is a no-op for loggers without a
// file and safe to call more than once.
func (l *Logger) Close() error {
	return l.sink.close()
}

// NopLogger returns a Logger that discards all output.
func NopLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
		sink:   &sink{},
	}
}

// OrNop returns l, or a NopLogger when l is nil. Components accept a nil
// logger and normalize it with this helper.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// ParseLevel normalizes a level name, returning LevelInfo for anything
// unrecognized.
func ParseLevel(level string) string {
	up := strings.ToUpper(strings.TrimSpace(level))
	if _, ok := levels[up]; ok {
		return up
	}
	return LevelInfo
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
