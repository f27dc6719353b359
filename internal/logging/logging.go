// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Options controls the global logger setup.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default "info")
	Output io.Writer // defaults to os.Stdout
	Pretty bool      // human-readable console output instead of JSON
}

// Configure initializes the global logger. Safe to call once at startup;
// subsequent calls replace the previous configuration.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if opts.Level != "" {
		if parsed, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	base = zerolog.New(out).With().Timestamp().Str("service", "dssd").Logger()
	initialized = true
}

func ensure() {
	mu.RLock()
	ok := initialized
	mu.RUnlock()
	if !ok {
		Configure(Options{})
	}
}

// Base returns the process-wide logger.
func Base() zerolog.Logger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns a child logger tagged with the given component name,
// the way each stream/session/scheduler names its own log lines.
func Component(name string) zerolog.Logger {
	return Base().With().Str("component", name).Logger()
}

// Stream returns a child logger scoped to one stream id.
func Stream(id string) zerolog.Logger {
	return Base().With().Str("component", "stream").Str("stream_id", id).Logger()
}
