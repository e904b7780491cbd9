package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DebugLog = iota
	InfoLog
	WarnLog
	ErrorLog
	FatalLog
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

func toZerolog(level int) zerolog.Level {
	switch level {
	case DebugLog:
		return zerolog.DebugLevel
	case InfoLog:
		return zerolog.InfoLevel
	case WarnLog:
		return zerolog.WarnLevel
	case ErrorLog:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

// InitLog writes json lines to w (and stdout when w is a file) at the given level.
func InitLog(level int, w io.Writer) {
	if w == nil {
		w = os.Stdout
	} else if w != os.Stdout {
		w = zerolog.MultiLevelWriter(w, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	set(zerolog.New(w).With().Timestamp().Logger().Level(toZerolog(level)))
}

// InitConsole switches to human readable output only.
func InitConsole(level int) {
	set(zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(toZerolog(level)))
}

func set(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger exposes the underlying zerolog logger for structured fields.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// format joins its arguments the way fmt.Sprintln does, without the newline.
func format(args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintln(args...), "\n")
}

func Debug(args ...interface{}) {
	Logger().Debug().Msg(format(args...))
}

func Info(args ...interface{}) {
	Logger().Info().Msg(format(args...))
}

func Warn(args ...interface{}) {
	Logger().Warn().Msg(format(args...))
}

func Error(args ...interface{}) {
	Logger().Error().Msg(format(args...))
}

func Fatal(args ...interface{}) {
	Logger().Fatal().Msg(format(args...))
}

func Debugf(f string, args ...interface{}) {
	Logger().Debug().Msgf(f, args...)
}

func Infof(f string, args ...interface{}) {
	Logger().Info().Msgf(f, args...)
}

func Warnf(f string, args ...interface{}) {
	Logger().Warn().Msgf(f, args...)
}

func Errorf(f string, args ...interface{}) {
	Logger().Error().Msgf(f, args...)
}
