// Package log provides the minimal leveled logger used throughout bender.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
)

// Logger is a minimal wrapper around an io.Writer with an optional verbose
// (trace) tier. Packages that need to report progress or solver trace
// output accept a *Logger rather than reaching for a global.
type Logger struct {
	io.Writer
	Verbose bool
}

// New returns a new logger which writes to w.
func New(w io.Writer) *Logger {
	return &Logger{Writer: w}
}

// Discard returns a logger that throws away everything written to it. It is
// the default used when a caller doesn't supply one.
func Discard() *Logger {
	return &Logger{Writer: ioutil.Discard}
}

// Logln logs a line.
func (l *Logger) Logln(args ...interface{}) {
	fmt.Fprintln(l, args...)
}

// Logf logs a formatted string.
func (l *Logger) Logf(f string, args ...interface{}) {
	fmt.Fprintf(l, f, args...)
}

// LogBenderfln logs a formatted line, prefixed with `bender: `.
func (l *Logger) LogBenderfln(format string, args ...interface{}) {
	fmt.Fprintf(l, "bender: "+format+"\n", args...)
}

// Tracef logs a formatted line only when Verbose is set. Used for the
// resolver and session trace output gated by a verbosity flag.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l == nil || !l.Verbose {
		return
	}
	fmt.Fprintf(l, format+"\n", args...)
}
