package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// NewZerologLogger returns the default Logger implementation: structured,
// leveled output via zerolog's console writer. It is what WithLogger
// replaces when an application wants something else, and what Dial uses
// when no logger is configured at all.
func NewZerologLogger() Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
	return &zerologLogger{l: zl}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z *zerologLogger) Fatal(format string, a ...any) { z.l.Fatal().Msgf(format, a...) }
func (z *zerologLogger) Err(format string, a ...any)   { z.l.Error().Msgf(format, a...) }
func (z *zerologLogger) Warn(format string, a ...any)  { z.l.Warn().Msgf(format, a...) }
func (z *zerologLogger) Info(format string, a ...any)  { z.l.Info().Msgf(format, a...) }
func (z *zerologLogger) Debug(format string, a ...any) { z.l.Debug().Msgf(format, a...) }
