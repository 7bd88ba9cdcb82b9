package utils

import (
	"errors"
	"fmt"
)

// FailureKind classifies an error so the transport boundary can map it to a
// status without inspecting the underlying cause.
type FailureKind int

const (
	// KindUpstream marks storage or dependency failures. Never retried here;
	// retry policy, if any, belongs to the storage boundary.
	KindUpstream FailureKind = iota
	// KindInvalid marks input that failed validation before reaching the core.
	KindInvalid
	// KindNotFound marks lookups for records that do not exist.
	KindNotFound
)

// AppError wraps an operation, a human-facing message, a failure kind and the
// underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind FailureKind
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewUpstreamError wraps a dependency failure.
func NewUpstreamError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindUpstream, Err: err}
}

// NewInvalidError wraps a validation failure.
func NewInvalidError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindInvalid, Err: err}
}

// NewNotFoundError wraps a missing-record failure.
func NewNotFoundError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: KindNotFound, Err: err}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// KindUpstream for unclassified errors.
func KindOf(err error) FailureKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUpstream
}
