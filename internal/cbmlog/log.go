// Package cbmlog is the thin structured-logging facade the writer,
// merger, and catalog call into. It wraps zerolog the way the rest of
// the pack's service manifests configure it: console-pretty in
// development, JSON otherwise, with a "component" field identifying the
// subsystem.
package cbmlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a component-scoped logger handed to each subsystem.
type Logger struct {
	zerolog.Logger
}

// New builds a root logger writing to w (os.Stderr if nil). Pretty
// selects zerolog's ConsoleWriter for human-readable development output;
// otherwise records are emitted as newline-delimited JSON.
func New(w io.Writer, pretty bool) Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return Logger{zerolog.New(w).With().Timestamp().Logger()}
}

// With returns a child logger tagged with component, e.g. "writer",
// "merger", "catalog".
func (l Logger) With(component string) Logger {
	return Logger{l.Logger.With().Str("component", component).Logger()}
}
