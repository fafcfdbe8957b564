// Package logger wraps a zap SugaredLogger with the key/value helpers used
// throughout dcmseg.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log modes accepted by New. Unknown modes fall back to ModeDev.
const (
	ModeDev   = "dev"
	ModeProd  = "prod"
	ModeQuiet = "quiet"
)

// Logger is the structured logger handed to every dcmseg component. A nil
// *Logger is never dereferenced by the packages that accept one; they go
// through OrNop.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger. ModeProd emits JSON at info level, ModeQuiet the
// console encoder at warn level, anything else the console encoder at debug
// level. Output goes to stderr so it never mixes with command results.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	level := zapcore.DebugLevel
	switch strings.ToLower(mode) {
	case ModeProd, "production":
		cfg = zap.NewProductionConfig()
		level = zapcore.InfoLevel
	case ModeQuiet:
		cfg = zap.NewDevelopmentConfig()
		level = zapcore.WarnLevel
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil || l.SugaredLogger == nil {
		return NewNop()
	}
	return l
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

// Debug logs per-item diagnostics such as per-slice contour counts.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}

// Info logs progress of a conversion or export step.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}

// Warn logs a condition the pipeline recovered from, like discarded
// converter outputs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}

// With returns a child logger that adds keysAndValues to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}
