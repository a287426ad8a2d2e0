// Package diag carries the two error-reporting paths the allocator needs:
// a structured startup logger for ordinary Go errors, and an abort helper
// for guest-corruption diagnostics whose wording is part of the external
// interface and must never be touched by a log formatter.
package diag

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// plainFormatter emits only the entry message, no timestamp or level
// prefix, so startup diagnostics read the same as a hand-written fmt.Fprintln
// would, while still going through a structured logger like the rest of the
// repo's non-protocol output.
type plainFormatter struct{}

func (plainFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(e.Message + "\n"), nil
}

// Log is the startup/teardown diagnostic logger. It is never used for the
// fixed-format guest protocol output (Debug: [N], the terminate counters, or
// abort messages) — those are written directly to stdout/stderr.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(plainFormatter{})
	l.SetOutput(os.Stderr)
	return l
}

// Abort writes msg to stderr exactly as given and terminates the process
// with a nonzero exit code. It never returns. This mirrors the guest
// runtime's discipline of treating any detected corruption as unsafe to
// continue past: no recovery is attempted, no cleanup beyond what the OS
// reclaims on process exit.
func Abort(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// Abortf formats and aborts, see Abort.
func Abortf(format string, args ...interface{}) {
	Abort(fmt.Sprintf(format, args...))
}
