package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build constructs the zap logger described by the configuration.
func (l *LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}

	var cfg zap.Config
	switch l.Format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
