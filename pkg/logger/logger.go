package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger at the given level. Unknown levels fall
// back to info.
func New(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
