// Package errors provides error handling for drip.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// Usage:
//
//	if err := store.Advance(ctx, e); err != nil {
//	    return errors.Wrap(err, "failed to advance enrollment")
//	}
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // enrollment changed underneath us
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Common sentinel errors.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request or record was malformed
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates a missing or wrong trigger credential
	ErrUnauthorized = New("unauthorized")

	// ErrConflict indicates a concurrent writer changed the row first
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates the message transport could not be reached
	ErrServiceUnavailable = New("service unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}
