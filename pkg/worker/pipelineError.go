package worker

import "errors"

// ErrorKind classifies a handler failure for the harness.
type ErrorKind string

const (
	// KindValidation marks poison input: dead-lettered immediately, never retried.
	KindValidation ErrorKind = "validation"
	// KindTransient marks infrastructure trouble: retried within the delivery
	// budget, dead-lettered when the budget is spent.
	KindTransient ErrorKind = "transient"
	// KindLogic marks a domain outcome (stale step order, no playbook): the
	// message is acked because the outcome is the result, not a failure to retry.
	KindLogic ErrorKind = "logic"
)

// PipelineError attaches an ErrorKind to a handler failure.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func Validation(err error) error {
	return &PipelineError{Kind: KindValidation, Err: err}
}

func Transient(err error) error {
	return &PipelineError{Kind: KindTransient, Err: err}
}

func Logic(err error) error {
	return &PipelineError{Kind: KindLogic, Err: err}
}

// KindOf classifies err. Unclassified errors default to transient so that an
// unexpected store outage is retried rather than dead-lettered.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
