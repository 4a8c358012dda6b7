package main

import (
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger from LOG_LEVEL, LOG_DEV and LOG_FILE.
// With tuiOwnsStderr and no LOG_FILE the logs are discarded so they don't
// tear the TUI.
func newLogger(tuiOwnsStderr bool) (logr.Logger, func(), error) {
	logFile := getEnv("LOG_FILE", "")
	if tuiOwnsStderr && logFile == "" {
		return logr.Discard(), func() {}, nil
	}

	level, err := zapcore.ParseLevel(getEnv("LOG_LEVEL", "warn"))
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	dev, _ := strconv.ParseBool(getEnv("LOG_DEV", "false"))
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
