package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// New returns a console logger in development and a JSON logger otherwise.
func New(appEnv string) Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(appEnv, "development") || appEnv == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().
			Level(zerolog.DebugLevel)
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Nop discards everything; handy in tests.
func Nop() Logger {
	return zerolog.Nop()
}
