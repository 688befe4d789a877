// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger. Format "pretty" switches to
// the console writer for local development.
func NewLogger(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "degenduel-hub").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the
// process running. Deferred at the top of every long-lived goroutine so
// one connection cannot take the server down.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
