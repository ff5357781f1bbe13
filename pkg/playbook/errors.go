package playbook

import (
	"errors"
	"fmt"
)

// ErrNoPlaybookAssigned is returned by step operations when the exception has
// no active playbook run.
var ErrNoPlaybookAssigned = errors.New("no playbook assigned")

// InvalidStepOrderError rejects a step transition whose order is not the
// run's current step. Steps complete strictly in order; out-of-order requests
// are rejected, never reordered, and leave the run untouched. Current 0 means
// the run has no pending step left.
type InvalidStepOrderError struct {
	Requested int
	Current   int
}

func (e *InvalidStepOrderError) Error() string {
	if e.Current == 0 {
		return fmt.Sprintf("invalid step order: requested step %d, run has no pending step", e.Requested)
	}
	return fmt.Sprintf("invalid step order: requested step %d, current step is %d", e.Requested, e.Current)
}

// IsInvalidStepOrder reports whether err wraps an InvalidStepOrderError.
func IsInvalidStepOrder(err error) bool {
	var target *InvalidStepOrderError
	return errors.As(err, &target)
}
