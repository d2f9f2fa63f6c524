// Package logging builds the zap loggers used by the pipeline commands.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"retina-forge/internal/config"
)

// EncoderConfig returns the console encoder settings: production keys,
// ISO8601 timestamps, capital levels and short callers.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns a logger writing to stderr and, when cfg.File is set, to a
// size-rotated JSON log file. The returned func flushes and closes the file.
func New(name string, cfg config.LoggingConfig) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig()), zapcore.Lock(os.Stderr), level),
	}
	closeFile := func() error { return nil }
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(EncoderConfig()), zapcore.AddSync(rotator), level))
		closeFile = rotator.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(name)
	return logger, func() error {
		_ = logger.Sync()
		return closeFile()
	}, nil
}
