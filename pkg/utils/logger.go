package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	stdoutSink = "stdout"
	stderrSink = "stderr"
)

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// If verbose is true, it creates a development logger, otherwise a production logger.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
		return l.Sugar(), nil
	}

	l, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create production logger: %w", err)
	}
	return l.Sugar(), nil
}

// NewFileLogger creates a sugared logger that splits records by level:
// Debug and Info go to stdoutPath, Warn and above go to stderrPath.
// An empty path falls back to the process stream of the same name.
func NewFileLogger(verbose bool, stdoutPath, stderrPath string) (*zap.SugaredLogger, error) {
	if stdoutPath == "" {
		stdoutPath = stdoutSink
	}
	if stderrPath == "" {
		stderrPath = stderrSink
	}

	out, _, err := zap.Open(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log %q: %w", stdoutPath, err)
	}
	errOut, _, err := zap.Open(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr log %q: %w", stderrPath, err)
	}

	minLevel := zapcore.InfoLevel
	encCfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encCfg)
	if verbose {
		minLevel = zapcore.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l < zapcore.WarnLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l >= zapcore.WarnLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, out, low),
		zapcore.NewCore(encoder.Clone(), errOut, high),
	)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(errOut)).Sugar(), nil
}
