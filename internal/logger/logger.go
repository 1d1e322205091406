package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Development gets a human console writer,
// everything else emits JSON lines.
func New(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if env == "development" {
		level = zerolog.DebugLevel
	}

	if env == "development" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
