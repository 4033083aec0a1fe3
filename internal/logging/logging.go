// Package logging provides zerolog-based logging for larch
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Verbosity names accepted by --verbosity and the config file, most to least
// severe. "imap" is debug plus a trace of every line on the wire.
const (
	LevelFatal = "fatal"
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelIMAP  = "imap"
)

var root zerolog.Logger

// wireTrace is set when verbosity is "imap".
var wireTrace atomic.Bool

func init() {
	// Sane default until Setup runs (tests, early startup).
	root = newLogger(os.Stderr, zerolog.InfoLevel)
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps a verbosity name to a zerolog level. The "imap" verbosity
// maps to debug with wire tracing enabled separately via WireTrace.
func ParseLevel(verbosity string) (zerolog.Level, bool, error) {
	switch strings.ToLower(verbosity) {
	case LevelFatal:
		return zerolog.FatalLevel, false, nil
	case LevelError:
		return zerolog.ErrorLevel, false, nil
	case LevelWarn:
		return zerolog.WarnLevel, false, nil
	case LevelInfo, "":
		return zerolog.InfoLevel, false, nil
	case LevelDebug:
		return zerolog.DebugLevel, false, nil
	case LevelIMAP:
		return zerolog.DebugLevel, true, nil
	default:
		return zerolog.InfoLevel, false, fmt.Errorf("unknown verbosity %q", verbosity)
	}
}

// Setup configures the process-wide logger. Must be called before any
// component logger is used for output that should honor the level.
func Setup(w io.Writer, verbosity string) error {
	level, trace, err := ParseLevel(verbosity)
	if err != nil {
		return err
	}
	root = newLogger(w, level)
	wireTrace.Store(trace)
	return nil
}

// WithComponent returns a logger tagged with a component field.
func WithComponent(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// WireTrace reports whether IMAP wire tracing is enabled.
func WireTrace() bool {
	return wireTrace.Load()
}
