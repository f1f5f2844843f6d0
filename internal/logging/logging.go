// Package logging provides structured slog logging for the pipeline stages.
//
// Every stage logs through a *Logger tagged with its component. Loggers
// derived with WithRunID or WithContext carry the ledger run ID so that a
// log line can be joined back to the run that wrote an artifact.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs logfmt-style text.
	FormatText Format = iota
	// FormatJSON outputs one JSON object per line.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file when Output includes a file.
	FilePath string
	// MaxSize is the size in megabytes at which the log file is rotated.
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string

	// Writer, when set, replaces the configured Output.
	Writer io.Writer
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "fedpoison",
	}
}

// Logger wraps slog.Logger with run tagging and an optional rotated file.
type Logger struct {
	*slog.Logger
	config *Config
	file   *lumberjack.Logger
	runSeq *atomic.Uint64
}

// New creates a Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, file, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
		runSeq: new(atomic.Uint64),
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: DefaultConfig(),
		runSeq: new(atomic.Uint64),
	}
}

var sensitive = []string{
	"password", "secret", "token", "key", "credential",
	"private", "auth", "cookie", "bearer",
}

// shouldRedact reports whether an attribute name looks like it carries a
// credential. Matching is by substring, so "api_key" and "access_token" hit.
func shouldRedact(name string) bool {
	name = strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, config: l.config, file: l.file, runSeq: l.runSeq}
}

// WithRunID returns a logger tagged with a pipeline run ID.
func (l *Logger) WithRunID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("run_id", id)))
}

// WithSeed returns a logger tagged with an experiment seed.
func (l *Logger) WithSeed(seed int64) *Logger {
	return l.derive(l.Logger.With(slog.Int64("seed", seed)))
}

// WithComponent returns a logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger tagged with the run ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RunIDFromContext(ctx); id != "" {
		return l.WithRunID(id)
	}
	return l
}

// NewRunID generates a process-local run ID for runs not tracked in the
// ledger. IDs are unique across loggers derived from the same root.
func (l *Logger) NewRunID() string {
	return fmt.Sprintf("%s-%d-%d", l.config.Component, time.Now().UnixNano(), l.runSeq.Add(1))
}

// Rotate starts a new log file. It is a no-op without file output.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any. Derived loggers share the file, so
// only the root logger should be closed.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

type runIDKey struct{}

// ContextWithRunID returns a new context carrying the run ID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext extracts the run ID from ctx, or "" if none is set.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// ParseLevel parses a level name as used in the config file.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}
