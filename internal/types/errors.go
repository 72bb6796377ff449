package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the tagged variant set every domain error carries. The
// HTTP and CLI layers translate kinds to their transport; they never
// invent business rules of their own.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindBusy       ErrorKind = "busy"
	KindInternal   ErrorKind = "internal"
)

// Error is a domain error with a machine-readable code and a
// human-readable message. Codes are stable across releases; messages
// are not.
type Error struct {
	Kind    ErrorKind `json:"-"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Wrap attaches an underlying cause without changing the visible message.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// Validationf builds a Validation error.
func Validationf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict error.
func Conflictf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Busyf builds a transient Busy error; callers may retry after backoff.
func Busyf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindBusy, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internalf builds an Internal error. The message is logged server-side;
// transports report it generically.
func Internalf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or KindInternal when err is not a
// domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a NotFound domain error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a Conflict domain error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a Validation domain error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsBusy reports whether err is a transient Busy error.
func IsBusy(err error) bool { return KindOf(err) == KindBusy }
