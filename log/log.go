// Package log provides a thin wrapper around zerolog with a process-global
// logger, console output and key-value helpers.
package log

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	timeFormat = "2006-01-02T15:04:05.000Z07:00"
)

var (
	logger zerolog.Logger
	mu     sync.RWMutex
)

var levels = map[string]zerolog.Level{
	LogLevelDebug: zerolog.DebugLevel,
	LogLevelInfo:  zerolog.InfoLevel,
	LogLevelWarn:  zerolog.WarnLevel,
	LogLevelError: zerolog.ErrorLevel,
}

func init() {
	// $LOG_LEVEL overrides the default so tests can raise verbosity without
	// touching flags. Initializing here also makes logging before Init safe.
	Init(cmp.Or(os.Getenv("LOG_LEVEL"), LogLevelError), "stderr")
}

// Init configures the global logger with the given level and output
// ("stdout", "stderr" or a file path).
func Init(level, output string) {
	var out io.Writer
	switch output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output %q: %v", output, err))
		}
		out = f
	}

	lvl, ok := levels[level]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %q", level))
	}

	zerolog.CallerSkipFrameCount = 3
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}).
		Level(lvl).
		With().Timestamp().Caller().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
	l.Debug().Msgf("logger initialized at level %s with output %s", level, output)
}

func get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Level returns the current log level as its string name.
func Level() string {
	current := get().GetLevel()
	for name, lvl := range levels {
		if lvl == current {
			return name
		}
	}
	panic(fmt.Sprintf("invalid log level: %q", current))
}

// Debug sends a debug level log message.
func Debug(args ...any) {
	get().Debug().Msg(fmt.Sprint(args...))
}

// Info sends an info level log message.
func Info(args ...any) {
	get().Info().Msg(fmt.Sprint(args...))
}

// Warn sends a warn level log message.
func Warn(args ...any) {
	get().Warn().Msg(fmt.Sprint(args...))
}

// Error sends an error level log message.
func Error(args ...any) {
	get().Error().Msg(fmt.Sprint(args...))
}

// Debugf sends a formatted debug level log message.
func Debugf(template string, args ...any) {
	get().Debug().Msgf(template, args...)
}

// Infof sends a formatted info level log message.
func Infof(template string, args ...any) {
	get().Info().Msgf(template, args...)
}

// Warnf sends a formatted warn level log message.
func Warnf(template string, args ...any) {
	get().Warn().Msgf(template, args...)
}

// Errorf sends a formatted error level log message.
func Errorf(template string, args ...any) {
	get().Error().Msgf(template, args...)
}

// Fatalf sends a formatted fatal level log message with a stack trace and
// exits the program.
func Fatalf(template string, args ...any) {
	get().Fatal().Msgf(template+"\n"+string(debug.Stack()), args...)
	panic("unreachable")
}

// Debugw sends a debug level log message with key-value pairs.
func Debugw(msg string, keyvalues ...any) {
	get().Debug().Fields(keyvalues).Msg(msg)
}

// Infow sends an info level log message with key-value pairs.
func Infow(msg string, keyvalues ...any) {
	get().Info().Fields(keyvalues).Msg(msg)
}

// Warnw sends a warning level log message with key-value pairs.
func Warnw(msg string, keyvalues ...any) {
	get().Warn().Fields(keyvalues).Msg(msg)
}

// Errorw sends an error level log message wrapping the given error.
func Errorw(err error, msg string) {
	get().Error().Err(err).Msg(msg)
}
