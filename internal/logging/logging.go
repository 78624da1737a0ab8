// Package logging configures the process-wide slog logger and provides the
// delivery lifecycle logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// sanitizeMessage normalizes a log message to a single line and removes
// control characters that could be used for log injection. Remote server
// responses go through here before they are logged.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level slog.LevelVar
}

var globalLogLevelManager = &LogLevelManager{}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level. Handlers installed by
// InitializeLogging pick the change up immediately.
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
	slog.SetLogLoggerLevel(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// Options controls InitializeLogging.
type Options struct {
	Level  string
	Format string // json or text
	File   string // optional, written in addition to stdout
}

// InitializeLogging installs the default slog logger writing to stdout and,
// when configured, to a file. The returned closer closes the file.
// This should be called early in the application startup.
func InitializeLogging(opts Options) (io.Closer, error) {
	level, err := StringToLevel(opts.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", opts.Level)
	}
	globalLogLevelManager.SetLevel(level)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	slog.SetDefault(slog.New(newHandler(out, opts.Format)))
	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_file", opts.File)
	return closer, nil
}

func newHandler(w io.Writer, format string) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: &globalLogLevelManager.level}
	if format == "text" {
		return slog.NewTextHandler(w, handlerOpts)
	}
	return slog.NewJSONHandler(w, handlerOpts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
