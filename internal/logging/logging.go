// Package logging builds the process-wide zerolog logger and a handful of
// helpers for logging recovered panics without crashing the gateway.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's verbosity and output encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a structured logger. JSON output is the default so that log
// shipping into Loki or any other line-oriented collector works without a
// parser change; pretty output is for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "ib-stream").
		Logger()
}

// RecoverPanic is installed via defer at the top of a long-lived goroutine
// so a programming error in it cannot take the whole gateway down. The
// storage writer installs it; the upstream reader, the background tracker
// and the per-connection pumps do not.
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

// LogError attaches arbitrary context fields to an error-level log line.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
