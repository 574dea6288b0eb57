package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build constructs the process logger from the configured level. An
// unknown or empty level falls back to info.
func (l Logger) Build() *zap.Logger {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(l.Level); err == nil && l.Level != "" {
		level = parsed
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
