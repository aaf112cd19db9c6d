// Package log wraps zap with the settings shared by every engine manager
// component.
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface used across the module.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	With(args ...any) *zap.SugaredLogger
	Sync() error
}

// EnvLogPath names a file that receives log output in place of stderr.
const EnvLogPath = "ENGINE_MANAGER_LOG_PATH"

var (
	once       sync.Once
	shared     *zap.SugaredLogger
	syncLogger = func() error { return nil }
)

// Shared returns the lazily initialised process-wide logger.
func Shared() Logger {
	once.Do(func() {
		base, err := build(zapcore.InfoLevel)
		if err != nil {
			panic(err)
		}
		shared = base.Sugar()
		syncLogger = base.Sync
	})

	return shared
}

// New builds a standalone logger at the given level ("debug", "info", ...).
// Unknown levels fall back to info.
func New(level string) (Logger, error) {
	lvl := zapcore.InfoLevel
	if txt := strings.TrimSpace(level); txt != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(txt))); err != nil {
			lvl = zapcore.InfoLevel
		}
	}

	base, err := build(lvl)
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return zap.NewNop().Sugar()
}

// Sync flushes any buffered entries of the shared logger.
func Sync() error {
	if err := syncLogger(); err != nil {
		if strings.Contains(err.Error(), "bad file descriptor") || strings.Contains(err.Error(), "invalid argument") {
			return nil
		}
		return err
	}
	return nil
}

func build(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if path := strings.TrimSpace(os.Getenv(EnvLogPath)); path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}

	return cfg.Build()
}
