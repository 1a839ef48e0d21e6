// Package logging builds the process-wide structured logger. The logger is
// constructed once in the composition root and passed explicitly to every
// collaborator — no package-level global, per the redesign flag in spec.md §9
// against module-level service singletons.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. level is one of zerolog's level strings
// (debug, info, warn, error); unrecognized values fall back to info.
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	var writer = os.Stdout
	logger := zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
	if pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339})
	}
	return logger
}
