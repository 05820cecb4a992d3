// Package logging builds the zap logger shared by every component and keeps
// a window of recent entries in memory for the logs endpoint.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and the in-memory window.
type Config struct {
	Level       string
	Development bool
	BufferSize  int
	Retention   time.Duration
}

// New builds a logger that writes to stderr and to the returned Buffer.
// The caller starts and stops the buffer's pruning.
func New(cfg Config) (*zap.Logger, *Buffer, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	buf := NewBuffer(cfg.BufferSize, cfg.Retention, level)
	logger, err := zcfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, buf)
	}))
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, buf, nil
}
