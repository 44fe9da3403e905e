// Package apperrors classifies failures so transports and retry loops can
// act on them without string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinels, matched with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("temporarily unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error carries a sentinel plus whatever context the failure site had.
// Unwrap exposes the sentinel, so errors.Is(err, ErrNotFound) keeps working
// through any amount of fmt.Errorf wrapping above it.
type Error struct {
	Sentinel error
	Message  string
	Field    string // offending field, set by Validation
	Resource string // resource kind, set by NotFound and Conflict
	Op       string // failing operation, set by Unavailable and Internal
	Code     string // upstream error code, set by Upstream
	Cause    error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Sentinel }

// Validation reports a rejected input value.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{Sentinel: ErrNotFound, Message: fmt.Sprintf("%s %s not found", resource, id), Resource: resource}
}

// Conflict reports a state collision on a resource.
func Conflict(resource, id, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource}
}

// Unavailable reports a dependency failure that should clear on its own
// (connection refused, throttled, mid-shutdown).
func Unavailable(op string, cause error) error {
	return &Error{Sentinel: ErrUnavailable, Message: fmt.Sprintf("%s: %v", op, cause), Op: op, Cause: cause}
}

// Internal reports a failure with no better classification.
func Internal(op string, cause error) error {
	return &Error{Sentinel: ErrInternal, Message: fmt.Sprintf("%s: %v", op, cause), Op: op, Cause: cause}
}

// CodeOf returns the upstream error code carried by err, or "" when err
// carries none. Retry policies match on these codes.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Transient reports whether waiting and retrying can help.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
