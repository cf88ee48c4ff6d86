package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds the process logger and installs it as the global zerolog
// logger. format is "json" or "console".
func New(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out).
		With().
		Timestamp().
		Str("service", "lucasmed").
		Logger().
		Level(parseLevel(level))

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = base
	return base
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
