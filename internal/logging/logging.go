// Package logging wires github.com/rs/zerolog as the core's structured
// logger, the way joeycumines-go-utilpkg/logiface/zerolog wires the same
// library behind a logging facade. The core talks directly to zerolog
// rather than through a facade, since every component here runs in one
// process and doesn't need the facade's backend-swapping.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the core's default logger: console-formatted for a TTY,
// structured JSON otherwise, matching the teacher's habit of writing
// human-readable progress to stderr while still being machine-parseable.
func New(level zerolog.Level) zerolog.Logger {
	var w io.Writer = os.Stderr
	if isTerminal(os.Stderr) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
