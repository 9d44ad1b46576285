package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default event-log rotation constants
const (
	DefaultFileName   = "svc.log"
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 30 // days
)

// LevelCritical marks conditions that abort the host process.
const LevelCritical = slog.Level(12)

// Config describes the installed-service event log. Rotation parameters
// follow lumberjack semantics.
type Config struct {
	File       string     // event log path, default svc.log
	MaxSizeMB  int        // megabytes before rotation (default 10)
	MaxBackups int        // number of backups to keep (default 3)
	MaxAgeDays int        // days to keep (default 30)
	Compress   bool       // gzip rotated files
	Level      slog.Level // minimum level
}

// Writer returns the size-rotated writer backing the event log.
func (c Config) Writer() io.WriteCloser {
	file := c.File
	if file == "" {
		file = DefaultFileName
	}
	return &lj.Logger{
		Filename:   file,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewService builds the event sink used when running as an installed
// service. Lines look like "[2006-01-02 15:04:05] [INFO] message k=v".
// The returned closer releases the log file.
func NewService(c Config) (*slog.Logger, io.Closer) {
	w := c.Writer()
	return slog.New(NewLineHandler(w, &slog.HandlerOptions{Level: c.Level})), w
}

// NewConsole builds the interactive event sink with coloured levels.
func NewConsole(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(NewColorTextHandler(w, &slog.HandlerOptions{Level: level}, false))
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(NewLineHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// Critical logs msg at LevelCritical.
func Critical(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
}

// LevelName renders a level the way the event log spells it.
func LevelName(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
