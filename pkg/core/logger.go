package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured logging capabilities.
// This abstraction allows swapping logging implementations.
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// zerologLogger implements Logger on top of zerolog.
type zerologLogger struct {
	zl zerolog.Logger
}

// NewLogger creates a zerolog-backed logger.
func NewLogger(cfg LogConfig) Logger {
	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.JSONOutput {
		zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}

	return &zerologLogger{zl: zl}
}

// NewDefaultLogger creates a logger with default settings (info, console).
func NewDefaultLogger() Logger {
	return NewLogger(LogConfig{})
}

// WithComponent creates a child logger carrying a component field.
func WithComponent(logger Logger, component string) Logger {
	if zl, ok := logger.(*zerologLogger); ok {
		return &zerologLogger{zl: zl.zl.With().Str("component", component).Logger()}
	}
	return logger
}

func (l *zerologLogger) Error(args ...interface{}) {
	l.zl.Error().Msg(sprint(args...))
}

func (l *zerologLogger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

func (l *zerologLogger) Warn(args ...interface{}) {
	l.zl.Warn().Msg(sprint(args...))
}

func (l *zerologLogger) Warnf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *zerologLogger) Info(args ...interface{}) {
	l.zl.Info().Msg(sprint(args...))
}

func (l *zerologLogger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *zerologLogger) Debug(args ...interface{}) {
	l.zl.Debug().Msg(sprint(args...))
}

func (l *zerologLogger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// NopLogger discards all output. Useful in tests.
func NopLogger() Logger {
	return &zerologLogger{zl: zerolog.Nop()}
}
