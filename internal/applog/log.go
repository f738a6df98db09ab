// Package applog configures the process-wide diagnostic logger. This is
// distinct from internal/audit, which is a compliance record rather than a
// debug stream. See SPEC_FULL.md §6 (A2).
package applog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Options configures the diagnostic logger at startup.
type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Configure installs the process-wide logger. Call once during startup,
// after config has been loaded (spec.md §6, A1).
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// L returns the current process-wide logger.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &logger
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event { return L().Debug() }

// Info starts an info-level event.
func Info() *zerolog.Event { return L().Info() }

// Warn starts a warn-level event.
func Warn() *zerolog.Event { return L().Warn() }

// Error starts an error-level event.
func Error() *zerolog.Event { return L().Error() }
