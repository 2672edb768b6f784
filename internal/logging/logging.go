// Package logging sets up the process-wide structured logger: a colored
// console sink plus rotating main/error-only file sinks, following the
// console+lumberjack pattern used throughout this codebase's lineage.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the engine logs.
type Config struct {
	Level      string // trace, debug, info, warn, error
	LogDir     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Default returns the configuration used when none is supplied.
func Default() Config {
	return Config{
		Level:      "info",
		LogDir:     "logs",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// filteredWriter only forwards records at or above MinLevel, so the error
// log file carries exclusively error-and-above entries.
type filteredWriter struct {
	io.Writer
	MinLevel zerolog.Level
}

func (w *filteredWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= w.MinLevel {
		return w.Writer.Write(p)
	}
	return len(p), nil
}

// New builds a logger writing to the console and to rotating files under
// cfg.LogDir. Callers typically install the result as the package-level
// default via zerolog's global logger or pass it down through
// actorctx.SessionContext.
func New(cfg Config) (zerolog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return zerolog.Logger{}, err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	mainFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "mattercrawl.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	errorFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "mattercrawl_error.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	multi := zerolog.MultiLevelWriter(
		console,
		mainFile,
		&filteredWriter{Writer: errorFile, MinLevel: zerolog.ErrorLevel},
	)

	logger := zerolog.New(multi).Level(level).With().Timestamp().Caller().Logger()
	return logger, nil
}
