// Package vmmerr defines the error taxonomy shared by every component of the
// resident manager: NotFound, Corrupted, SchemaUnsupported, IO,
// ValidationFailed, Duplicate, and Cancelled. Components build *Error values
// of the kinds below with New and Wrap, and callers classify a failure with
// Is or KindOf (errors.As underneath) without string-matching messages.
package vmmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories spec'd for the core.
type Kind string

const (
	// NotFound means a manifest, target file, or installation is missing.
	NotFound Kind = "NotFound"
	// Corrupted means a manifest could not be parsed.
	Corrupted Kind = "Corrupted"
	// SchemaUnsupported means a manifest's schema_version is unknown to this build.
	SchemaUnsupported Kind = "SchemaUnsupported"
	// IO means a transient filesystem error occurred.
	IO Kind = "IO"
	// ValidationFailed means an injection post-condition was unmet.
	ValidationFailed Kind = "ValidationFailed"
	// Duplicate means another instance already holds a resource (e.g. the IPC endpoint).
	Duplicate Kind = "Duplicate"
	// Cancelled means the operation unwound because of a shutdown signal.
	Cancelled Kind = "Cancelled"
)

// Error is a typed error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause. Returns nil if
// cause is nil, so it's safe to use as `return vmmerr.Wrap(Kind, "...", err)`.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err is not one of
// ours.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
