// Package logging builds the zap loggers used by the instantcloud binaries.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is the minimum enabled level on the console.
	Level zapcore.Level
	// Console receives human-readable output. Defaults to stderr.
	Console io.Writer
	// File, when set, also receives JSON logs rotated by lumberjack.
	File string
	// MaxSizeMB and MaxBackups configure rotation of File.
	MaxSizeMB  int
	MaxBackups int
}

// New returns a logger for opts and a function that flushes it.
func New(opts Options) (*zap.Logger, func()) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(console), opts.Level),
	}

	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			zapcore.DebugLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
}

// CLI returns the logger of the command-line client writing to w: warnings
// only, or everything when verbose.
func CLI(w io.Writer, verbose bool) (*zap.Logger, func()) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return New(Options{Level: level, Console: w})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
