package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger creates a configured slog.Logger.
//
// level: slog level (DEBUG, INFO, WARN, ERROR)
// format: "text" (human-readable) or "json" (structured)
//
// Output goes to stderr by default (stdout is reserved for program output).
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SchedulerLogDir returns the directory holding the scheduler logs of a run.
func SchedulerLogDir(runDir string) string {
	return filepath.Join(runDir, "log", "scheduler")
}

var logName = regexp.MustCompile(`^(\d+)-[a-z]+\.log$`)

// OpenRunLog creates the next scheduler log file of a run, named
// NN-<event>.log where event is "start" or "restart". The file is always
// JSON so it can be read back by tools; w is typically os.Stderr and gets
// the human format. The returned logger writes to both.
func OpenRunLog(runDir, event string, level slog.Level, format string, w io.Writer) (*slog.Logger, io.Closer, error) {
	dir := SchedulerLogDir(runDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create scheduler log dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read scheduler log dir: %w", err)
	}
	next := 1
	for _, e := range entries {
		if m := logName.FindStringSubmatch(e.Name()); m != nil {
			if n, _ := strconv.Atoi(m[1]); n >= next {
				next = n + 1
			}
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("%02d-%s.log", next, event))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open scheduler log: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	logger := slog.New(slogmulti.Fanout(
		NewLoggerWithWriter(level, format, w).Handler(),
		slog.NewJSONHandler(f, opts),
	))
	return logger, f, nil
}
