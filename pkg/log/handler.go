package log

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ZerologLogger adapts zerolog to the Logger interface.
type ZerologLogger struct {
	zl    zerolog.Logger
	level *atomic.Int64
}

// NewZerologLogger creates a JSON logger writing to w.
func NewZerologLogger(w io.Writer, level Level) *ZerologLogger {
	lv := &atomic.Int64{}
	lv.Store(int64(level))
	return &ZerologLogger{
		zl:    zerolog.New(w).With().Timestamp().Logger(),
		level: lv,
	}
}

func (l *ZerologLogger) Debug(msg string, fields ...any) { l.emit(LevelDebug, msg, fields) }
func (l *ZerologLogger) Info(msg string, fields ...any)  { l.emit(LevelInfo, msg, fields) }
func (l *ZerologLogger) Warn(msg string, fields ...any)  { l.emit(LevelWarn, msg, fields) }
func (l *ZerologLogger) Error(msg string, fields ...any) { l.emit(LevelError, msg, fields) }

// With returns a child logger carrying fields on every record.
func (l *ZerologLogger) With(fields ...any) Logger {
	ctx := l.zl.With()
	for _, f := range normalizeFields(fields) {
		switch v := f.value.(type) {
		case error:
			ctx = ctx.AnErr(f.key, v)
		case zerolog.LogObjectMarshaler:
			ctx = ctx.Object(f.key, v)
		default:
			ctx = ctx.Interface(f.key, v)
		}
	}
	return &ZerologLogger{zl: ctx.Logger(), level: l.level}
}

// Enabled reports whether records at level are emitted.
func (l *ZerologLogger) Enabled(_ context.Context, level Level) bool {
	return level >= Level(l.level.Load())
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *ZerologLogger) SetLevel(level Level) {
	l.level.Store(int64(level))
}

func (l *ZerologLogger) emit(level Level, msg string, fields []any) {
	if !l.Enabled(context.Background(), level) {
		return
	}
	e := l.zl.WithLevel(toZerologLevel(level))
	for _, f := range normalizeFields(fields) {
		switch v := f.value.(type) {
		case error:
			if f.key == ErrAttrKey {
				e = e.Stack().Err(v)
				var m zerolog.LogObjectMarshaler
				if errors.As(v, &m) {
					e = e.Object("error_details", m)
				}
			} else {
				e = e.AnErr(f.key, v)
			}
		case zerolog.LogObjectMarshaler:
			e = e.Object(f.key, v)
		default:
			e = e.Interface(f.key, v)
		}
	}
	e.Msg(msg)
}

type field struct {
	key   string
	value any
}

// normalizeFields pairs up key/value arguments. A leading error value is
// keyed as ErrAttrKey, and a trailing key without value is dropped.
func normalizeFields(fields []any) []field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]field, 0, len(fields)/2+1)
	if err, ok := fields[0].(error); ok {
		out = append(out, field{key: ErrAttrKey, value: err})
		fields = fields[1:]
	}
	for i := 0; i+1 < len(fields); i += 2 {
		out = append(out, field{key: fmt.Sprint(fields[i]), value: fields[i+1]})
	}
	return out
}

// extractStacktrace is installed as zerolog.ErrorStackMarshaler; it reads the
// stack recorded by cockroachdb/errors.WithStack.
func extractStacktrace(err error) interface{} {
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	for _, d := range errors.GetAllSafeDetails(err) {
		if len(d.SafeDetails) > 0 {
			return d.SafeDetails[0]
		}
	}
	return nil
}

// ZerologProvider implements LoggerProvider on top of one ZerologLogger.
type ZerologProvider struct {
	root *ZerologLogger
}

// NewZerologProvider wraps root.
func NewZerologProvider(root *ZerologLogger) *ZerologProvider {
	return &ZerologProvider{root: root}
}

func (p *ZerologProvider) GetLogger() Logger { return p.root }

func (p *ZerologProvider) GetLoggerWithName(name string) Logger {
	return p.root.With(ComponentKey, name)
}

func (p *ZerologProvider) SetLevel(level Level) { p.root.SetLevel(level) }
