package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the process-wide logger (called once from main).
func Init(level string, pretty bool) {
	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000000"}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

// With returns a structured child logger carrying the given key/value pairs.
func With(kv ...any) zerolog.Logger {
	ctx := log.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return ctx.Logger()
}

func Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

func Debugf(format string, v ...any) {
	log.Debug().Msgf(format, v...)
}

func Fatalf(format string, v ...any) {
	log.Fatal().Msgf(format, v...)
}
