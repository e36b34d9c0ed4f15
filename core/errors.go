/*
errors.go - Centralized error taxonomy for the progress engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these errors with context; the API maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. AuthenticationMissing  - no resolvable identity (401)
  2. AuthorizationDenied    - identity lacks the required role (403)
  3. ValidationFailed       - missing or malformed identifiers (400)
  4. ConflictAlreadyApplied - a uniqueness constraint rejected a duplicate
                              side effect; never caller-visible, components
                              translate it into an "already done" result
  5. StoreFailure           - persistence error, not recoverable locally (500)

USAGE:
  if errors.Is(err, core.ErrAlreadyApplied) {
      return Status{AlreadyRedeemed: true}, nil
  }

SEE ALSO:
  - store/sqlite/sqlite.go: Maps driver constraint errors to ErrAlreadyApplied
  - api/handlers.go: Maps errors to HTTP status
*/
package core

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAuthenticationMissing is returned when no identity can be resolved.
	ErrAuthenticationMissing = errors.New("authentication required")

	// ErrAuthorizationDenied is returned when the identity lacks a required role.
	ErrAuthorizationDenied = errors.New("not authorized")

	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyApplied is returned when a uniqueness constraint rejects a
	// duplicate side effect. Expected under retries and concurrent requests.
	ErrAlreadyApplied = errors.New("already applied")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreFailure is returned when the store cannot complete an operation.
	ErrStoreFailure = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError records which roles would have been accepted.
type AuthorizationError struct {
	UserID        UserID
	ParticipantID ParticipantID
	Required      []string
}

func (e *AuthorizationError) Error() string {
	if e.ParticipantID == "" {
		return fmt.Sprintf("user %s lacks role (need one of %s)", e.UserID, strings.Join(e.Required, ", "))
	}
	return fmt.Sprintf("user %s lacks role on participant %s (need one of %s)",
		e.UserID, e.ParticipantID, strings.Join(e.Required, ", "))
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorizationDenied }

// StoreError wraps a driver error with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the store sentinel and the driver error.
func (e *StoreError) Unwrap() []error { return []error{ErrStoreFailure, e.Err} }

// StoreErr wraps err unless it is nil or already classified.
func StoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyApplied) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreFailure) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAuthenticationMissing) ||
		errors.Is(err, ErrAuthorizationDenied) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound)
}

// IsAlreadyApplied reports a benign first-writer-wins loss.
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrAlreadyApplied)
}
