// Package logging builds the structured zerolog logger used across the
// server and provides panic-recovery helpers for long-lived goroutines.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger settings.
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // json or pretty
	Service string // service field attached to every line
}

// New creates a structured logger. JSON output is the production default;
// pretty enables a human-readable console writer for local development.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := cfg.Service
	if service == "" {
		service = "pubsub-ws"
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return logger, nil
}

// RecoverPanic logs a recovered panic with its stack trace and keeps the
// process running. Use in defer blocks of every spawned goroutine.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
