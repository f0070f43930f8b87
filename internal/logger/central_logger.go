package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	moduleKey  = "module"
	errorKey   = "error"
	runIDKey   = "run_id"
	floatRatio = 1000.0
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// CentralLogger owns the slog handler shared by all module loggers.
type CentralLogger struct {
	handler slog.Handler
	level   *slog.LevelVar
}

// NewCentralLogger builds a logger writing to w in the given format
// ("text" or "json") at the given level.
func NewCentralLogger(w io.Writer, level, format string) (*CentralLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(lvl)

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &CentralLogger{handler: h, level: lv}, nil
}

// Init replaces the global logger with one writing to stderr.
func Init(level, format string) error {
	cl, err := NewCentralLogger(os.Stderr, level, format)
	if err != nil {
		return err
	}
	SetGlobal(cl)
	return nil
}

// SetGlobal sets the global CentralLogger instance.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the global CentralLogger, creating an info-level text
// logger on stderr if none was set.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		lv := new(slog.LevelVar)
		globalLogger = &CentralLogger{
			handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}),
			level:   lv,
		}
	}
	return globalLogger
}

// SetLevel changes the level of every logger derived from cl.
func (cl *CentralLogger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	cl.level.Set(lvl)
	return nil
}

// Module returns a logger scoped to name.
func (cl *CentralLogger) Module(name string) Logger {
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
	}
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch LogLevel(strings.ToLower(level)) {
	case LogLevelDebug:
		return slog.LevelDebug, nil
	case LogLevelInfo, "":
		return slog.LevelInfo, nil
	case LogLevelWarn, "warning":
		return slog.LevelWarn, nil
	case LogLevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

type loggerContextKey struct{ name string }

// RunIDKey is the context key for training run ids.
var RunIDKey = loggerContextKey{runIDKey}

// WithRunID returns a context carrying a run id that WithContext picks up.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// moduleLogger implements Logger for a specific module
type moduleLogger struct {
	module string
	logger *slog.Logger
	fields []Field
}

func (m *moduleLogger) Module(name string) Logger {
	return &moduleLogger{
		module: m.module + "." + name,
		logger: m.logger,
		fields: slices.Clone(m.fields),
	}
}

func (m *moduleLogger) Debug(msg string, fields ...Field) {
	m.log(slog.LevelDebug, msg, fields...)
}

func (m *moduleLogger) Info(msg string, fields ...Field) {
	m.log(slog.LevelInfo, msg, fields...)
}

func (m *moduleLogger) Warn(msg string, fields ...Field) {
	m.log(slog.LevelWarn, msg, fields...)
}

func (m *moduleLogger) Error(msg string, fields ...Field) {
	m.log(slog.LevelError, msg, fields...)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	return &moduleLogger{
		module: m.module,
		logger: m.logger,
		fields: slices.Concat(m.fields, fields),
	}
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return m
	}
	runID, ok := ctx.Value(RunIDKey).(string)
	if !ok || runID == "" {
		return m
	}
	return m.With(String(runIDKey, runID))
}

func (m *moduleLogger) log(level slog.Level, msg string, fields ...Field) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}
	m.logger.LogAttrs(ctx, level, msg, attrs...)
}

func roundFloat(val float64) float64 {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return val
	}
	return math.Round(val*floatRatio) / floatRatio
}

// fieldToAttr converts Field to slog.Attr
func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case float32:
		return slog.Float64(f.Key, roundFloat(float64(v)))
	case float64:
		return slog.Float64(f.Key, roundFloat(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
