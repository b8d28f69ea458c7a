package cqlexec

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section.
// verbose forces debug level, quiet raises it to warn.
func NewLogger(cfg LoggingConfig, verbose, quiet bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLogLevel, cfg.Level)
		}
	}

	switch {
	case verbose:
		level = zapcore.DebugLevel
	case quiet && level < zapcore.WarnLevel:
		level = zapcore.WarnLevel
	}

	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}
