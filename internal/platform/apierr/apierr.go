// Package apierr carries an HTTP-mappable error through the service layer.
// Services return *Error with a stable machine code (domain_conflict,
// job_not_found, ...); the response package translates it into the wire
// envelope, so handlers never pick status codes themselves.
package apierr

import "fmt"

type Error struct {
	Status int
	Code   string
	Err    error
}

// Error prefers the underlying cause, then the machine code; a bare status
// still renders something greppable.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
