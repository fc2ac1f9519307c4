package run

import (
	"errors"
	"fmt"
)

// ErrNeverStarted is returned by Status when no run has ever been started
// on this machine.
var ErrNeverStarted = errors.New("no test procedure has been started")

// ConflictError indicates an operation that is invalid in the machine's
// current lifecycle state: starting while a run is active or awaiting
// reset, finalizing when nothing is running, resetting mid-run.
type ConflictError struct {
	Op    string // the rejected operation, e.g. "start"
	State State  // machine state at the time of the call
	Test  string // active procedure name, if any
}

func (e *ConflictError) Error() string {
	if e.Test != "" {
		return fmt.Sprintf("%s rejected: run of %q is %s", e.Op, e.Test, e.State)
	}
	return fmt.Sprintf("%s rejected: machine is %s", e.Op, e.State)
}

// IsConflict reports whether err is a lifecycle conflict.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
