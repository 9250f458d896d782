package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a command was rejected
type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "unauthorized"
	KindNotFound            ErrorKind = "not_found"
	KindAlreadyDecided      ErrorKind = "already_decided"
	KindConstraintViolation ErrorKind = "constraint_violation"
	KindMalformedCommand    ErrorKind = "malformed_command"
	KindTransportFailure    ErrorKind = "transport_failure"
	KindInternal            ErrorKind = "internal"
)

// Error is a classified failure. Errors with an empty Message act as
// sentinels and match any error of the same kind through errors.Is.
type Error struct {
	Kind    ErrorKind
	Message string
}

var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyDecided      = &Error{Kind: KindAlreadyDecided}
	ErrConstraintViolation = &Error{Kind: KindConstraintViolation}
	ErrMalformedCommand    = &Error{Kind: KindMalformedCommand}
	ErrTransportFailure    = &Error{Kind: KindTransportFailure}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Errorf builds a classified error
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or KindInternal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
