/*
errors.go - Centralized error types for the grouped-row engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lock errors       - bounded-wait acquisition timed out (retryable)
  2. Lookup errors     - record or row absent (reported, not retried)
  3. Guard violations  - double month close (terminal)
  4. Input errors      - malformed identifiers or payloads
  5. Store errors      - failures from the backing table/property stores

PROPAGATION POLICY:
  Public operations translate every internal error into a result envelope
  rather than letting failures escape. No operation silently succeeds
  while failing its primary effect; cache invalidation is the one
  secondary effect allowed to fail silently.

USAGE:
  if errors.Is(err, grouprow.ErrLockTimeout) {
      // busy - retry or tell the operator the system is busy
  }

SEE ALSO:
  - sequence.go, grouped.go: produce these errors
  - api/handlers.go: maps them onto HTTP envelopes
*/
package grouprow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLockTimeout is returned when the shared mutation lock could not be
	// acquired within the bounded wait. Callers should surface this as a
	// retryable busy condition, not a fatal error.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotFound is returned when no row run matches the requested ID.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed identifiers or payloads,
	// before any storage is touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDoubleClose is returned when a month close would create rows for a
	// month that already has them. The close performs no mutation.
	ErrDoubleClose = errors.New("month already closed")

	// ErrStoreUnavailable is returned for failures from the underlying
	// table or property store adapters. Cache failures are swallowed
	// instead and never carry this error to the caller.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DoubleCloseError reports the conflicting month of a rejected close.
type DoubleCloseError struct {
	OrderID string
	Month   string
}

func (e *DoubleCloseError) Error() string {
	return fmt.Sprintf("data for %s already exists for order %s: double close rejected", e.Month, e.OrderID)
}

func (e *DoubleCloseError) Unwrap() error {
	return ErrDoubleClose
}

// NotFoundError reports what was looked up and where.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no rows for id %q", e.Table, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDoubleClose)
}

// IsNotFound returns true if the error indicates a missing record or row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
