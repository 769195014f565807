// Package cmdutil holds the exit-code-carrying error type escalatectl's
// subcommands share. The status table and markdown report renderers live
// in package chain, not here.
package cmdutil

// ExitError pairs an error with the process exit code it should produce.
// Subcommand run functions return one of these instead of calling os.Exit
// directly, so the root command can decide the exit code in one place.
type ExitError struct {
	error
	ExitCode int
}

func NewExitError(err error, exitCode int) *ExitError {
	if err == nil {
		return nil
	}
	return &ExitError{err, exitCode}
}

// GetExitCode is nil-safe so callers can do cmdutil.GetExitCode(err) without
// a type-assert-and-check dance.
func GetExitCode(err error) int {
	ee, ok := err.(*ExitError)
	if !ok || ee == nil {
		if err != nil {
			return 1
		}
		return 0
	}
	return ee.ExitCode
}
