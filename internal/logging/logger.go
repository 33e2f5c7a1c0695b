package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can inject a Nop and the binary can swap handlers without touching callers.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Config controls the process-wide default handler.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

var defaultHandler atomic.Pointer[slog.Logger]

func init() {
	defaultHandler.Store(newSlog(Config{Level: "info", Format: "text"}))
}

// Configure replaces the process-wide handler used by component loggers.
func Configure(cfg Config) {
	defaultHandler.Store(newSlog(cfg))
}

func newSlog(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a
// component. Printf-style call sites are preserved by formatting the message
// before handing it to the structured backend.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) log(fn func(*slog.Logger, string, ...any), format string, args ...any) {
	backend := defaultHandler.Load()
	if backend == nil {
		return
	}
	fn(backend, fmt.Sprintf(format, args...), "component", l.component)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log((*slog.Logger).Debug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log((*slog.Logger).Info, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log((*slog.Logger).Warn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log((*slog.Logger).Error, format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
