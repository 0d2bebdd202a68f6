// Package logx is a thin wrapper over zerolog: structured fields as small
// closures, a value Logger that is cheap to copy, and a Nop logger so
// components never have to nil-check.
package logx

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls sinks and verbosity.
type Config struct {
	Level   string // trace, debug, info, warn, error; default info
	Console bool   // human-readable console writer on stderr
	File    string // optional JSON log file, appended
}

// Field attaches one key/value to an event.
type Field func(e *zerolog.Event)

func String(key, val string) Field     { return func(e *zerolog.Event) { e.Str(key, val) } }
func Int(key string, val int) Field    { return func(e *zerolog.Event) { e.Int(key, val) } }
func Int64(key string, val int64) Field {
	return func(e *zerolog.Event) { e.Int64(key, val) }
}
func Uint64(key string, val uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(key, val) }
}
func Bool(key string, val bool) Field { return func(e *zerolog.Event) { e.Bool(key, val) } }
func Float64(key string, val float64) Field {
	return func(e *zerolog.Event) { e.Float64(key, val) }
}
func Duration(key string, val time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(key, val) }
}
func Time(key string, val time.Time) Field {
	return func(e *zerolog.Event) { e.Time(key, val) }
}
func Any(key string, val any) Field { return func(e *zerolog.Event) { e.Interface(key, val) } }
func Err(err error) Field           { return func(e *zerolog.Event) { e.Err(err) } }

// Logger is a value type; the zero Logger is unusable and reports IsZero.
type Logger struct {
	zl    *zerolog.Logger
	extra []Field
	file  *os.File
}

// IsZero reports whether the logger was never initialized. Constructors in
// other packages use this to substitute Nop.
func (l Logger) IsZero() bool { return l.zl == nil }

// Nop returns a logger that discards everything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// New builds a logger per config. The returned logger owns the file handle;
// call Close on shutdown when a file sink is configured.
func New(cfg Config) (Logger, error) {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	var f *os.File
	if cfg.File != "" {
		var err error
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return Logger{}, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Logger()
	return Logger{zl: &zl, file: f}, nil
}

// NewConsole is the test/CLI convenience constructor.
func NewConsole(level string) Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(parseLevel(level)).
		With().Timestamp().Logger()
	return Logger{zl: &zl}
}

// With returns a logger that attaches fields to every event it emits.
func (l Logger) With(fields ...Field) Logger {
	if l.IsZero() || len(fields) == 0 {
		return l
	}
	extra := make([]Field, 0, len(l.extra)+len(fields))
	extra = append(extra, l.extra...)
	extra = append(extra, fields...)
	return Logger{zl: l.zl, extra: extra, file: l.file}
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(l.event(zerolog.TraceLevel), msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(l.event(zerolog.DebugLevel), msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(l.event(zerolog.InfoLevel), msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(l.event(zerolog.WarnLevel), msg, fields) }

func (l Logger) Error(msg string, fields ...Field) {
	e := l.event(zerolog.ErrorLevel)
	if e != nil {
		if caller := shortCaller(2); caller != "" {
			e.Str("caller", caller)
		}
	}
	l.emit(e, msg, fields)
}

// Close releases the file sink, if any.
func (l Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l Logger) event(level zerolog.Level) *zerolog.Event {
	if l.IsZero() {
		return nil
	}
	return l.zl.WithLevel(level)
}

func (l Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range l.extra {
		f(e)
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

// shortCaller returns "pkg/file.go:NN" for the caller skip frames up.
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	parts := strings.Split(file, "/")
	if n := len(parts); n > 2 {
		file = strings.Join(parts[n-2:], "/")
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
