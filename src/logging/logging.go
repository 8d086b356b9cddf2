// Package logging builds the single zap.Logger shared by every component
// in this module.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger, or a development one when debug is
// true. Mirrors the teacher's ad hoc zap.NewProductionConfig() construction
// in store.NewStoreWithConfig, generalized into one place so every
// component that logs (CDL, MLS, wiring) shares a logger instead of each
// building its own.
func New(component string, debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level(debug))
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Named(component)
}

func level(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output.
func Discard() *zap.Logger {
	return zap.NewNop()
}

// FromEnv honors LOG_LEVEL=debug the way the rest of this module's config
// reads its environment.
func FromEnv(component string) *zap.Logger {
	return New(component, os.Getenv("LOG_LEVEL") == "debug")
}
