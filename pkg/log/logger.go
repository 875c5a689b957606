package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	scierrors "github.com/YuminosukeSato/scitrack/pkg/errors"
)

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewZerologLogger(os.Stdout, LevelInfo)
)

// SetupLogger installs a JSON logger on stdout at the given level and routes
// library warnings (errors.Warn) into it.
func SetupLogger(loglevel string) {
	setup(os.Stdout, ToLogLevel(loglevel))
}

// SetupConsoleLogger is SetupLogger with zerolog's human-readable console writer.
// The command line tools use it.
func SetupConsoleLogger(loglevel string) {
	setup(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}, ToLogLevel(loglevel))
}

func setup(w io.Writer, level Level) {
	zerolog.ErrorStackMarshaler = extractStacktrace
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := NewZerologLogger(w, level)
	SetDefault(logger)
	scierrors.SetZerologWarnFunc(func(warning error) {
		logger.Warn("warning", ErrAttrKey, warning, ErrorTypeKey, fmt.Sprintf("%T", warning))
	})
}

// SetDefault replaces the logger returned by GetLogger.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// ToLogLevel converts a textual level. It panics on unknown input; use ParseLevel
// to validate user configuration first.
func ToLogLevel(level string) Level {
	l, err := ParseLevel(level)
	if err != nil {
		panic(err.Error())
	}
	return l
}

// ParseLevel converts "debug", "info", "warn" or "error" into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, scierrors.NewValidationError("log_level", "must be one of debug, info, warn, error", level)
	}
}

func toZerologLevel(l Level) zerolog.Level {
	switch {
	case l <= LevelDebug:
		return zerolog.DebugLevel
	case l <= LevelInfo:
		return zerolog.InfoLevel
	case l <= LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
