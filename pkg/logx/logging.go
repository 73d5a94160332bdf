package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects the level and sinks of a Service.
//
// Format applies to stdout/stderr only; the file sink always writes JSON so
// it can be shipped as is. An empty File path disables the file sink.
type Config struct {
	Level  string
	Format string
	Stderr bool
	File   string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint32(k string, v uint32) Field          { return func(e *zerolog.Event) { e.Uint32(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds the error under "err"; nil adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack adds a goroutine stack dump; blank dumps are skipped.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// source holds the zerolog logger a Logger writes through. A Service swaps
// it on Apply, so derived Loggers follow level and sink changes.
type source struct {
	zl atomic.Pointer[zerolog.Logger]
}

func newSource(zl zerolog.Logger) *source {
	s := &source{}
	s.zl.Store(&zl)
	return s
}

func (s *source) load() zerolog.Logger {
	if s == nil {
		return zerolog.Nop()
	}
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

var nopSource = newSource(zerolog.Nop())

// Logger is a value-type structured logger. The zero value discards
// everything and reports IsZero so constructors can substitute a default.
type Logger struct {
	src    *source
	fields []Field
}

func Nop() Logger { return Logger{src: nopSource} }

// NewWriter writes JSON lines to w. Mostly for tests.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: newSource(zl)}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.src.load().GetLevel() }

// With returns a child logger that adds fields to every record.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.src.load()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the process sinks. Apply rebuilds them in place; every Logger
// derived from the Service picks the change up on its next record.
type Service struct {
	mu   sync.Mutex
	src  *source
	file *os.File
}

// New applies cfg and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{src: newSource(zerolog.Nop())}
	s.Apply(cfg)
	return s, Logger{src: s.src}
}

func (s *Service) Logger() Logger { return Logger{src: s.src} }

// Apply swaps the level and sinks. A file that cannot be opened is reported
// on stderr and skipped; the stream sink keeps working.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stream io.Writer = os.Stdout
	if cfg.Stderr {
		stream = os.Stderr
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON) {
		stream = zerolog.ConsoleWriter{
			Out:          stream,
			TimeFormat:   timeFormat,
			FormatCaller: func(i any) string {
				c, _ := i.(string)
				return c
			},
		}
	}
	writers := []io.Writer{stream}

	old := s.file
	s.file = nil
	if path := strings.TrimSpace(cfg.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.src.zl.Store(&zl)
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

var levels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}

// ValidLevel reports whether s names a level. Empty means the default.
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	_, ok := levels[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// ValidFormat reports whether s names an output format. Empty means console.
func ValidFormat(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", FormatConsole, FormatJSON:
		return true
	}
	return false
}
