package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the log encoding and threshold.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Dev switches to colored console output with caller information.
	Dev bool `yaml:"dev,omitempty"`
}

func (lc LogConfig) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(lc.Level)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", lc.Level)
	}
	return lvl, nil
}

func (lc LogConfig) validate() error {
	_, err := lc.level()
	return err
}

// Build returns the configured logger. Production mode writes JSON to
// stderr; development mode writes colored console lines.
func (lc LogConfig) Build() (*zap.Logger, error) {
	lvl, err := lc.level()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if lc.Dev {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = !lc.Dev

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("unable to build logger: %w", err)
	}
	return logger, nil
}
