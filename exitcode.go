package maininstance

import (
	"errors"
	"fmt"
	"strconv"
)

// ExitCode is the process-level status produced by a run.
type ExitCode int

// Exit codes, numbered as by Node.js. Codes 2, 8 and 11 are unused.
const (
	ExitNoFailure                           ExitCode = 0
	ExitGenericUserError                    ExitCode = 1
	ExitInternalJSParseError                ExitCode = 3
	ExitInternalJSEvaluationFailure         ExitCode = 4
	ExitV8FatalError                        ExitCode = 5
	ExitInvalidFatalExceptionMonkeyPatching ExitCode = 6
	ExitExceptionInFatalExceptionHandler    ExitCode = 7
	ExitInvalidCommandLineArgument          ExitCode = 9
	ExitBootstrapFailure                    ExitCode = 10
	ExitInvalidCommandLineArgument2         ExitCode = 12
	ExitUnsettledTopLevelAwait              ExitCode = 13
	ExitStartupSnapshotFailure              ExitCode = 14
	ExitAbort                               ExitCode = 134
)

// String implements fmt.Stringer.
func (x ExitCode) String() string {
	switch x {
	case ExitNoFailure:
		return "no failure"
	case ExitGenericUserError:
		return "generic user error"
	case ExitInternalJSParseError:
		return "internal js parse error"
	case ExitInternalJSEvaluationFailure:
		return "internal js evaluation failure"
	case ExitV8FatalError:
		return "fatal engine error"
	case ExitInvalidFatalExceptionMonkeyPatching:
		return "invalid fatal exception monkey patching"
	case ExitExceptionInFatalExceptionHandler:
		return "exception in fatal exception handler"
	case ExitInvalidCommandLineArgument:
		return "invalid command line argument"
	case ExitBootstrapFailure:
		return "bootstrap failure"
	case ExitInvalidCommandLineArgument2:
		return "invalid command line argument 2"
	case ExitUnsettledTopLevelAwait:
		return "unsettled top level await"
	case ExitStartupSnapshotFailure:
		return "startup snapshot failure"
	case ExitAbort:
		return "abort"
	default:
		return "exit code " + strconv.Itoa(int(x))
	}
}

// Failed reports whether x is anything other than [ExitNoFailure].
func (x ExitCode) Failed() bool { return x != ExitNoFailure }

// ExitError associates an [ExitCode] with an error, so that failures can
// carry a specific code through Go error returns.
type ExitError struct {
	Err  error
	Code ExitCode
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d (%s)", int(e.Code), e.Code)
	}
	return fmt.Sprintf("%v (exit code %d)", e.Err, int(e.Code))
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCodeOf returns the code of the first [ExitError] in err's chain, or
// fallback if there is none. A nil err maps to [ExitNoFailure].
func ExitCodeOf(err error, fallback ExitCode) ExitCode {
	if err == nil {
		return ExitNoFailure
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return fallback
}
