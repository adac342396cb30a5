// Package logger provides the process-wide zap logger.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base *zap.Logger
	once sync.Once
)

// Init builds the global logger. Valid levels: "debug", "info", "warn", "error".
// Production mode emits JSON, development mode a console encoder.
func Init(level string, development bool) {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		built, err := cfg.Build()
		if err != nil {
			built = zap.NewExample()
		}
		base = built
		zap.ReplaceGlobals(base)
	})
}

// L returns the global logger, initialising it at info level on first use.
func L() *zap.Logger {
	Init("info", true)
	return base
}

// Named returns a child logger for a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries; call it before exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
