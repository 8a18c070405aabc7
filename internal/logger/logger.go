// Package logger builds the zap loggers shared by every bot.
//
// For log management under systemd, use journalctl:
//   - View logs: journalctl -u sheetbot
//   - Follow logs: journalctl -u sheetbot -f
//   - View errors: journalctl -u sheetbot -p err
package logger

import (
	"fmt"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. Development mode switches to the console
// encoder with stack traces on warnings.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// For returns a child logger tagged with the bot id and component name.
func For(l *zap.Logger, botID, component string) *zap.Logger {
	return l.With(zap.String("bot", botID), zap.String("component", component))
}

// Std adapts l to a *log.Logger for libraries that only accept the
// standard logger (gorm's logger writer).
func Std(l *zap.Logger, level zapcore.Level) *log.Logger {
	std, err := zap.NewStdLogAt(l, level)
	if err != nil {
		return zap.NewStdLog(l)
	}
	return std
}
