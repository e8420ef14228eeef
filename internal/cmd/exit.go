package cmd

import (
	"github.com/Iron-Ham/picoord/internal/errors"
)

// Exit codes returned by the picoord binary.
const (
	ExitFailure = 1
	// ExitTempFail (EX_TEMPFAIL) tells scripts the command may succeed if
	// run again later, e.g. after capacity frees up.
	ExitTempFail = 75
)

// FormatError renders err for the terminal. Coordination errors that are not
// meant for end users are reported as internal errors; retryable and
// terminal outcomes get a hint on whether running the command again helps.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	prefix := "Error: "
	var coordErr errors.CoordError
	if errors.As(err, &coordErr) && !errors.IsUserFacing(err) {
		prefix = "Internal error: "
	}

	msg := prefix + err.Error()
	switch {
	case errors.IsTerminal(err):
		msg += " (not retried)"
	case errors.IsRetryable(err):
		msg += " (temporary, try again later)"
	}
	return msg
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsRetryable(err):
		return ExitTempFail
	default:
		return ExitFailure
	}
}
