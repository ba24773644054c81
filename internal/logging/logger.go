// Package logging provides structured logging for fxpilot using zap.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFile is used when no log file is configured.
const DefaultFile = "logs/fxpilot.log"

// Build creates a new zap.Logger with JSON output to both file and stdout.
// The log file is rotated at 50MB with 10 backups kept for 30 days.
// An empty file path falls back to DefaultFile; "-" disables the file sink.
func Build(level, file string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(os.Stdout),
			lvl,
		),
	}

	if file != "-" {
		if file == "" {
			file = DefaultFile
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(fileWriter),
			lvl,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, nil
}
