// Package obslog configures the process-wide structured logger.
//
// Grounded on the teacher's log/logger.go: zerolog, pretty console output
// in development, JSON in production, a runtime-settable level. Unlike the
// teacher, Init is called explicitly from main once config is loaded,
// rather than from an init() closing over a config singleton — the core
// packages must stay testable without a process-wide config dependency.
package obslog

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger     = defaultLogger()
	loggerLock sync.RWMutex
)

func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// Init configures the global logger for the given environment ("development"
// or "production") and initial level string.
func Init(env, level string) {
	var output io.Writer
	if env != "production" {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	} else {
		output = os.Stderr
	}

	loggerLock.Lock()
	logger = zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
	loggerLock.Unlock()
}

// SetLevel sets the global log level at runtime.
func SetLevel(levelStr string) {
	level := parseLevel(levelStr)
	loggerLock.Lock()
	logger = logger.Level(level)
	loggerLock.Unlock()
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func get() zerolog.Logger {
	loggerLock.RLock()
	defer loggerLock.RUnlock()
	return logger
}

// Debug logs a debug message.
func Debug() *zerolog.Event { return get().Debug() }

// Info logs an info message.
func Info() *zerolog.Event { return get().Info() }

// Warn logs a warning message.
func Warn() *zerolog.Event { return get().Warn() }

// Error logs an error message.
func Error() *zerolog.Event { return get().Error() }

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event { return get().Fatal() }

// Logger returns the underlying zerolog.Logger for integrations.
func Logger() zerolog.Logger { return get() }
