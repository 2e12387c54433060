// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the writers behind the global logger.
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // console, json
	File      string // optional log file, rotated by size
	Console   bool
	Redaction bool
	MaxSize   int // MB
	MaxAge    int // days
	Compress  bool

	// Out replaces stdout for console output.
	Out io.Writer
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// New builds the logger and installs it as log.Logger.
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	var writers []io.Writer
	if cfg.Console {
		if cfg.Format == "json" {
			writers = append(writers, out)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
		}
	}

	var file *RotatingWriter
	if cfg.File != "" {
		var err error
		file, err = NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = out
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(zerolog.TraceLevel).
		With().
		Timestamp().
		Logger()
	zerolog.SetGlobalLevel(level)

	log.Logger = logger

	return &Logger{
		logger:   logger,
		file:     file,
		redactor: redactor,
	}, nil
}

// SetLevel changes the level of every logger derived from the global one.
func SetLevel(name string) zerolog.Level {
	level := ParseLevel(name)
	zerolog.SetGlobalLevel(level)
	return level
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "console",
		Console:   true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
