// Package logger wraps zap construction behind a small helper so binaries
// configure logging the same way.
package logger

import (
	"go.uber.org/zap"
)

// Logger holds the shared zap instance.
type Logger struct {
	Log *zap.Logger
}

// New returns a logger with a no-op zap instance; call Init to activate it.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init builds a production zap logger at the given level ("debug", "info",
// "warn", "error").
func (l *Logger) Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	l.Log = logger
	return nil
}
