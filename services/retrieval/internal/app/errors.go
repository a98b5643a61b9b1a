package app

import (
	"errors"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrExternalService  = errors.New("external service error")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNoResults is not a failure: the search ran and matched nothing.
	ErrNoResults = errors.New("no results")
	ErrNotFound  = errors.New("not found")
)

// Error carries the kind, the operation that failed, and the cause.
type Error struct {
	Kind    error
	Op      string
	Err     error
	Message string // safe to show callers; defaults to the kind
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, msg string) *Error {
	return &Error{Kind: ErrValidation, Op: op, Message: msg}
}

func externalError(op string, err error) *Error {
	return &Error{Kind: ErrExternalService, Op: op, Err: err, Message: "embedding provider unavailable"}
}

func storeError(op string, err error) *Error {
	return &Error{Kind: ErrStoreUnavailable, Op: op, Err: err, Message: "preset store unavailable"}
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// PublicMessage returns the caller-facing text of err without internal causes.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			return appErr.Message
		}
		return appErr.Kind.Error()
	}
	return "internal error"
}
