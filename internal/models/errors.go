// Package models defines the shared error taxonomy for ZapMentor.
//
// Handlers and callers discriminate failures with errors.Is / errors.As, so
// every class below implements Unwrap where it wraps an underlying cause.
package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple classification.
var (
	// ErrNotFound indicates a user or content record is missing. Surfaced,
	// not retried.
	ErrNotFound = errors.New("record not found")
	// ErrCredentialNotFound indicates the stored credential is missing and
	// Initialize must be re-run. Reported, not retried automatically.
	ErrCredentialNotFound = errors.New("credential not found in secret store")
	// ErrTokenExpired indicates the delivery channel rejected the credential.
	// Triggers a single refresh plus one extra attempt outside the standard
	// retry budget.
	ErrTokenExpired = errors.New("access token expired or invalid")
)

// ValidationError indicates malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientDeliveryError indicates a network-class delivery failure that is
// retried up to the budget. Timeouts are treated identically.
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError indicates the retry budget was exhausted. The caller
// is responsible for the terminal ledger status write.
type PermanentDeliveryError struct {
	Attempts int
	LastErr  error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("delivery failed permanently after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.LastErr }

// GenerationError indicates both content providers failed. It carries both
// underlying messages and is surfaced to the user as an apology, never as a
// raw error string.
type GenerationError struct {
	PrimaryErr   error
	SecondaryErr error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("content generation failed: primary: %v; secondary: %v", e.PrimaryErr, e.SecondaryErr)
}
