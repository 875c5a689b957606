// Package log provides the structured logging interface used across scitrack.
//
// The interface is slog-shaped (message plus alternating key/value fields) and is
// backed by zerolog. Components receive a Logger through their constructors and fall
// back to GetLogger() when none is supplied.
//
// Example usage:
//
//	logger := log.GetLogger().With(
//	    log.ExperimentKey, "Classification_Experiments",
//	    log.RunNameKey, "LogReg_Baseline",
//	)
//	logger.Info("trial finished",
//	    log.RunIDKey, run.ID,
//	    log.DurationMsKey, elapsed.Milliseconds(),
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface.
//
// Fields are alternating key/value pairs. Error accepts an error value as the
// first field; it is logged under ErrAttrKey together with its stack trace.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates component loggers sharing one output and level.
type LoggerProvider interface {
	GetLogger() Logger
	GetLoggerWithName(name string) Logger
	SetLevel(level Level)
}
