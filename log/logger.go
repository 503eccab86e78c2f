// Package log provides structured logging with service context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for ingestion paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging with service context.
// A nil *Logger is valid and discards everything, so components can take
// an optional logger without guarding each call site.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// Meta identifies the process emitting log entries.
type Meta struct {
	// Service is the logical service name (e.g. "tapedeck").
	Service string
	// Instance distinguishes replicas; optional.
	Instance string
	// Policy is the active aggregation policy; optional.
	Policy string
}

// NewLogger creates a logger writing JSON to os.Stderr at the given level.
// Unknown levels fall back to info.
func NewLogger(meta Meta, level string) *Logger {
	return newLoggerWithWriter(meta, parseLevel(level), os.Stderr)
}

// NewLoggerWithWriter creates a logger writing JSON to w at debug level.
// Intended for tests.
func NewLoggerWithWriter(meta Meta, w io.Writer) *Logger {
	return newLoggerWithWriter(meta, zapcore.DebugLevel, w)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newLoggerWithWriter(meta Meta, level zapcore.Level, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)

	contextFields := []zap.Field{zap.String("service", meta.Service)}
	if meta.Instance != "" {
		contextFields = append(contextFields, zap.String("instance", meta.Instance))
	}
	if meta.Policy != "" {
		contextFields = append(contextFields, zap.String("policy", meta.Policy))
	}

	return &Logger{zap: zap.New(core).With(contextFields...)}
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return nil
	}
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	if l == nil {
		return &SugaredLogger{sugar: zap.NewNop().Sugar()}
	}
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// ErrField renders err for a fields map; nil renders as "".
func ErrField(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
