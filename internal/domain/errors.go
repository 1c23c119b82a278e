// Package domain contains the core entities of the punishment ledger.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations and resolution outcomes.
// They are distinct from infrastructure errors (database, network, etc.), which the
// service layer wraps with ErrDurableStore or ErrDirectoryUnavailable.

var (
	// ===========================================
	// Identity Errors
	// ===========================================

	// ErrMalformedIdentifier indicates a lookup key that cannot be a username, stable id or address.
	// No I/O is attempted for such keys.
	ErrMalformedIdentifier = errors.New("malformed identifier")

	// ErrIdentityNotFound indicates neither the store nor the directory know the key.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrDirectoryUnavailable indicates the identity directory could not be reached
	// or answered with an unexpected status. It is transient and never cached.
	ErrDirectoryUnavailable = errors.New("identity directory unavailable")

	// ===========================================
	// Store Errors
	// ===========================================

	// ErrDurableStore indicates the durable store failed. The in-flight operation is aborted.
	ErrDurableStore = errors.New("durable store failure")

	// ===========================================
	// Punishment Errors
	// ===========================================

	// ErrPunishmentNotFound indicates the requested punishment does not exist.
	ErrPunishmentNotFound = errors.New("punishment not found")

	// ErrReasonTooLong indicates the reason exceeds MaxReasonBytes.
	ErrReasonTooLong = errors.New("reason exceeds 255 bytes")

	// ErrInvalidDuration indicates a negative duration or one shorter than a millisecond.
	ErrInvalidDuration = errors.New("duration must be 0 or at least 1ms")

	// ErrNotLiftable indicates a lift was requested for a point-in-time punishment type.
	ErrNotLiftable = errors.New("punishment type cannot be lifted")

	// ErrUnknownPunishmentType indicates an unrecognised type name or id.
	ErrUnknownPunishmentType = errors.New("unknown punishment type")

	// ErrMissingTarget indicates a punishment without a persisted target or punisher.
	ErrMissingTarget = errors.New("punishment target and punisher must be persisted identities")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected input (e.g., the lookup key).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// WrapError wraps an error with domain context if it's not already a DomainError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	return &DomainError{
		Err:     err,
		Message: message,
	}
}
