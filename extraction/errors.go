package extraction

import (
	"errors"
	"fmt"
)

// Kind classifies extraction failures.
type Kind string

const (
	KindUnauthorized            Kind = "unauthorized"
	KindInvalidInput            Kind = "invalid_input"
	KindProviderCallFailed      Kind = "provider_call_failed"
	KindProviderResponseInvalid Kind = "provider_response_invalid"
)

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool {
	return k == KindProviderCallFailed
}

// Error is returned by Service.Extract for every failure.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Field == "" && t.Err == nil
}

var (
	ErrUnauthorized            = &Error{Kind: KindUnauthorized}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput}
	ErrProviderCallFailed      = &Error{Kind: KindProviderCallFailed}
	ErrProviderResponseInvalid = &Error{Kind: KindProviderResponseInvalid}
)

func newError(kind Kind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

// KindOf returns the kind of an extraction error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
