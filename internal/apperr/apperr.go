package apperr

import "fmt"

// Error carries a dotted operation code alongside the underlying cause.
// Codes follow the form "<area>.<operation>.<reason>" and surface on 500
// responses so failures can be traced without exposing internals.
type Error struct {
	code string
	err  error
}

// New builds an Error from an operation code and a failure reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code.
func (e *Error) Code() string {
	return e.code
}
