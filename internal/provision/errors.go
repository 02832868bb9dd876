package provision

import (
	"errors"
	"fmt"
)

// ErrDomainConflict means the requested domain is already held by a live
// tenant site or reserved by another in-flight job. Recoverable by the
// caller choosing another name.
var ErrDomainConflict = errors.New("domain already taken or reserved")

// StepError wraps a failure with the name of the pipeline step it occurred
// in. The step name becomes the failed job's stage and the wire-visible
// error location.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) *StepError {
	return &StepError{Step: step, Err: err}
}
