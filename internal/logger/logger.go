// Package logger provides structured logging with context propagation for the
// backfill and analysis commands. It builds slog loggers from configuration,
// writes to the console, a rotating file or both, and attaches run-scoped
// attributes (run ID, market, granularity) carried in a context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelCritical sits above slog.LevelError for failures that end a run.
const LevelCritical = slog.Level(12)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey is the context key for the ingestion or analysis run ID
	RunIDKey ContextKey = "run_id"
	// MarketKey is the context key for the market symbol
	MarketKey ContextKey = "market"
	// GranularityKey is the context key for the candle granularity
	GranularityKey ContextKey = "granularity"
)

// LoggerManager owns the process-wide handler and hands out per-component
// loggers derived from it.
type LoggerManager struct {
	root       *slog.Logger
	out        io.WriteCloser
	mu         sync.Mutex
	components map[string]*slog.Logger
}

// ComponentLogger is a logger tagged with a component attribute.
type ComponentLogger struct {
	*slog.Logger
}

// NewLoggerManager builds the handler described by cfg. Console output goes
// to stdout.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	out, err := openOutput(cfg, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return newLoggerManager(cfg, out), nil
}

func newLoggerManager(cfg config.LoggingConfig, out io.WriteCloser) *LoggerManager {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: formatAttr,
	}

	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	}

	if len(cfg.ContextFields) > 0 {
		static := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			static = append(static, slog.String(k, v))
		}
		handler = handler.WithAttrs(static)
	}

	return &LoggerManager{
		root:       slog.New(handler),
		out:        out,
		components: map[string]*slog.Logger{},
	}
}

// formatAttr prints timestamps as RFC3339Nano and levels by LevelName.
func formatAttr(_ []string, a slog.Attr) slog.Attr {
	switch v := a.Value.Any().(type) {
	case time.Time:
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(v.Format(time.RFC3339Nano))
		}
	case slog.Level:
		if a.Key == slog.LevelKey {
			a.Value = slog.StringValue(LevelName(v))
		}
	}
	return a
}

// openOutput resolves the configured output. "both" tees every record to
// console and to the rotating file; closing it closes only the file.
func openOutput(cfg config.LoggingConfig, console io.Writer) (io.WriteCloser, error) {
	if cfg.Output != "file" && cfg.Output != "both" {
		if cfg.Output == "stderr" {
			console = os.Stderr
		}
		return nopWriteCloser{console}, nil
	}

	if cfg.FilePath == "" {
		return nil, fmt.Errorf("output %q needs a file path", cfg.Output)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if cfg.Output == "file" {
		return rotating, nil
	}
	return teeWriteCloser{Writer: io.MultiWriter(console, rotating), file: rotating}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type teeWriteCloser struct {
	io.Writer
	file io.Closer
}

func (t teeWriteCloser) Close() error { return t.file.Close() }

var levels = map[string]slog.Level{
	"debug":    slog.LevelDebug,
	"info":     slog.LevelInfo,
	"warn":     slog.LevelWarn,
	"warning":  slog.LevelWarn,
	"error":    slog.LevelError,
	"critical": LevelCritical,
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	if level, ok := levels[strings.ToLower(name)]; ok {
		return level
	}
	return slog.LevelInfo
}

// LevelName returns the upper-case name printed for a level.
func LevelName(level slog.Level) string {
	if level >= LevelCritical {
		return "CRITICAL"
	}
	return strings.ToUpper(level.String())
}

// GetLogger returns the root logger.
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.root
}

// GetComponentLogger returns the cached logger for component, creating it on
// first use.
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.components[component]
	if !ok {
		l = lm.root.With(slog.String("component", component))
		lm.components[component] = l
	}
	return &ComponentLogger{Logger: l}
}

// WithContext returns the base logger with the run attributes carried by ctx.
func (lm *LoggerManager) WithContext(ctx context.Context) *slog.Logger {
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return lm.root
	}
	return lm.root.With(attrs...)
}

// WithComponentContext is GetComponentLogger plus the run attributes of ctx.
// The result is not cached.
func (lm *LoggerManager) WithComponentContext(ctx context.Context, component string) *ComponentLogger {
	cl := lm.GetComponentLogger(component)
	if attrs := contextAttrs(ctx); len(attrs) > 0 {
		return &ComponentLogger{Logger: cl.With(attrs...)}
	}
	return cl
}

func contextAttrs(ctx context.Context) []any {
	var attrs []any
	for _, key := range []ContextKey{RunIDKey, MarketKey, GranularityKey} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			attrs = append(attrs, slog.String(string(key), value))
		}
	}
	return attrs
}

// Close closes the log file, if any.
func (lm *LoggerManager) Close() error {
	if lm.out != nil {
		return lm.out.Close()
	}
	return nil
}

// NewRunContext returns a context carrying a freshly generated run ID.
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := uuid.NewString()
	return WithRunID(ctx, runID), runID
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithMarket adds a market symbol to the context
func WithMarket(ctx context.Context, market string) context.Context {
	return context.WithValue(ctx, MarketKey, market)
}

// WithGranularity adds a granularity to the context
func WithGranularity(ctx context.Context, granularity string) context.Context {
	return context.WithValue(ctx, GranularityKey, granularity)
}

// GetRunID returns the run ID carried by ctx, or "".
func GetRunID(ctx context.Context) string {
	runID, _ := ctx.Value(RunIDKey).(string)
	return runID
}

// Critical logs at LevelCritical.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelCritical, msg, args...)
}

// TimedOperation runs fn and logs its duration, at error level when fn fails.
func TimedOperation(logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	if err != nil {
		logger.Error(operation+" failed", "operation", operation, "duration", elapsed, "error", err)
		return err
	}
	logger.Info(operation+" done", "operation", operation, "duration", elapsed)
	return nil
}
