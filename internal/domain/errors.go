package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports and callers can react without
// string matching.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindPermission ErrorKind = "permission"
	KindConflict   ErrorKind = "conflict"
	KindTimeout    ErrorKind = "timeout"
	KindFatalIO    ErrorKind = "fatal_io"
)

// Error is a kind-classified error. It wraps an optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two domain errors by kind, so errors.Is(err, &Error{Kind: k})
// style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Errorf builds a kind-classified error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause with a kind and message.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or empty when err is not a domain error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrorInfo is the wire shape of an error carried in event payloads and API
// responses.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InfoFromError converts an error into its wire shape.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	code := string(KindOf(err))
	if code == "" {
		code = "internal"
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}
