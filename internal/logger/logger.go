package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process logger. Components derive scoped loggers from it with With.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New(os.Stderr, "console")
}

// New builds a logger writing to w. format is "json" or "console".
func New(w io.Writer, format string) *Logger {
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the global logger
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit sink.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = New(w, format)
}

// With returns a child logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// WithField returns a child logger carrying one extra field on every event.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(l.z.Info(), msg, args...)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(l.z.Debug(), msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(l.z.Warn(), msg, args...)
}

// Error logs at error level. An error value passed as the first argument is
// attached under the "error" key.
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			e = e.Err(err)
			args = args[1:]
		}
	}
	l.emit(e, msg, args...)
}

func (l *Logger) emit(e *zerolog.Event, msg string, args ...interface{}) {
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event. A trailing key without
// a value is dropped.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e.AnErr(key, v)
		case fmt.Stringer:
			e.Stringer(key, v)
		default:
			e.Interface(key, v)
		}
	}
}
