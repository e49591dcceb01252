package subprocess

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotRunning is returned by Send when no tool server process is live.
var ErrNotRunning = errors.New("subprocess is not running")

// SpawnError indicates the process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes an abnormal exit. Code is -1 when the process was
// terminated by a signal.
type ExitError struct {
	Code   int
	Stderr []string
	Err    error
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("subprocess exited with code %d", e.Code)
	}
	return fmt.Sprintf("subprocess exited with code %d: %s", e.Code, strings.Join(e.Stderr, " | "))
}

func (e *ExitError) Unwrap() error { return e.Err }
