package config

import "fmt"

// Error is a configuration problem. It is always fatal: the run stops
// before anything on the destination is touched.
type Error struct {
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(field, msg string) *Error {
	return &Error{Field: field, Message: msg}
}

func wrapErr(field, msg string, cause error) *Error {
	return &Error{Field: field, Message: msg, Cause: cause}
}
