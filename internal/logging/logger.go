// Package logging wraps logrus the way the rest of this codebase expects:
// leveled, optionally JSON-formatted, with file rotation when configured.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a thin wrapper adding key/value field helpers over *logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format and optional file rotation.
type Config struct {
	Level      string // debug|info|warn|error
	Format     string // json|text
	Output     string // stdout|file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a Logger from Config, defaulting to stdout/info/text.
func New(cfg Config) *Logger {
	logger := logrus.New()
	logger.SetOutput(outputFor(cfg))

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: logger}
}

func outputFor(cfg Config) io.Writer {
	if cfg.Output != "file" || cfg.FilePath == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 3),
		MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		Compress:   cfg.Compress,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseFields(keysAndValues...)).Error(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseFields(keysAndValues...)).Warn(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseFields(keysAndValues...)).Info(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseFields(keysAndValues...)).Debug(msg)
}

func parseFields(keysAndValues ...interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			if key, ok := keysAndValues[i].(string); ok {
				fields[key] = keysAndValues[i+1]
			}
		}
	}
	return fields
}
