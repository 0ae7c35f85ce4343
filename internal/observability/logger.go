// Package observability provides the process-wide zap loggers.
//
// CLI commands log human-oriented output through CLILogger; long runs
// can additionally tee structured JSON to a rotated file so a pass
// that outlives the terminal session still leaves a trace.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by CLI commands. It is initialized by
// InitCLILogger before any command runs.
var CLILogger *zap.Logger

// InitCLILogger configures CLILogger for the given output format
// ("console" or "json"). Verbose enables debug-level output.
func InitCLILogger(format string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core)
}

// AddFileSink tees CLILogger to a size-rotated JSON log file. Returns
// a close function that flushes the sink.
func AddFileSink(path string) func() {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		Compress:   true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), zapcore.DebugLevel)

	CLILogger = CLILogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))

	return func() {
		_ = CLILogger.Sync()
		_ = sink.Close()
	}
}

// Sync flushes any buffered log entries. Safe to call on exit.
func Sync() {
	if CLILogger != nil {
		_ = CLILogger.Sync()
	}
}
