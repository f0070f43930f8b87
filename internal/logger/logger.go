// Package logger provides module-scoped structured logging on log/slog.
//
// Packages obtain a logger once and log with typed fields:
//
//	log := logger.Global().Module("training")
//	log.Info("epoch finished",
//	    logger.Int("epoch", 3),
//	    logger.Float64("val_loss", 0.41))
//
// Sub-modules nest with dots, so Module("training").Module("loader") logs
// module="training.loader".
package logger

import (
	"context"
	"time"
)

// LogLevel represents log severity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging interface injected into components.
type Logger interface {
	// Module returns a logger scoped to a sub-module
	Module(name string) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every record
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float32 creates a float field; it is rounded to three decimals on output.
func Float32(key string, value float32) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float field; it is rounded to three decimals on output.
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Error creates a field under the key "error". A nil err logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: errorKey, Value: nil}
	}
	return Field{Key: errorKey, Value: err.Error()}
}

// Duration creates a duration field rendered like "1.5s".
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Time creates a time field.
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Any creates a field with an arbitrary value.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}
