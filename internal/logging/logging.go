// Package logging provides the zerolog-backed structured logger used
// throughout the module, implementing interfaces.Logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how a Logger formats and where it writes.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger wraps a zerolog.Logger behind the interfaces.Logger contract.
type Logger struct {
	zl zerolog.Logger
}

var _ interfaces.Logger = (*Logger)(nil)

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.JSONOutput {
		zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return &Logger{zl: zl}
}

// WithComponent returns a child logger tagging every event with
// component, the pattern used for per-package loggers (the root
// package uses "blobstore").
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

func applyFields(e *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	applyFields(l.zl.Debug(), fields).Msg(msg)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	applyFields(l.zl.Info(), fields).Msg(msg)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	applyFields(l.zl.Warn(), fields).Msg(msg)
}

func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	applyFields(l.zl.Error().Err(err), fields).Msg(msg)
}

var defaultLogger = New(Config{Level: InfoLevel})

// Default returns the process-wide logger used when a Blobstore is
// opened without an explicit Options.Logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) { defaultLogger = l }
