// Package logging builds the process-wide zap logger. Components accept a
// *zap.SugaredLogger via constructor injection rather than reaching for a
// package global, except for the one bootstrap logger main wires up before
// anything else exists.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls where and how verbosely the logger writes, bound to
// config keys logging.level / logging.file / logging.console.
type Options struct {
	Level   string
	File    string
	Console bool
}

// New builds a *zap.SugaredLogger writing JSON to File (if set) and/or
// human-readable console output (if Console is set). At least one sink is
// always enabled so logs are never silently dropped.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); opts.Level != "" && err != nil {
		level = zapcore.InfoLevel
	}

	var cores []zapcore.Core

	if opts.Console || opts.File == "" {
		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level))
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(f), level))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything; useful in tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
