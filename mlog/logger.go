package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig is the logging section of the app config.
type LogConfig struct {
	// Level, "debug", "info", "warn" or "error". Default is "info".
	Level string `yaml:"level"`

	// File writes logs to a file instead of stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

// NewLogger builds a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
	}

	var out zapcore.WriteSyncer
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(f)
	} else {
		out = zapcore.Lock(os.Stderr)
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	return zap.New(zapcore.NewCore(enc, out, lvl)), nil
}

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	l, err := NewLogger(&LogConfig{})
	if err != nil {
		panic(fmt.Sprintf("mlog: failed to init default logger: %v", err))
	}
	defaultLogger.Store(l)
}

// L returns the package default logger.
func L() *zap.Logger {
	return defaultLogger.Load()
}

// S returns the package default sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// SetDefault replaces the package default logger.
func SetDefault(l *zap.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}
