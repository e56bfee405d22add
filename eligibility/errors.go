/*
errors.go - Centralized error types for the eligibility engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Directory adapters wrap their failures in RemoteCallError so the engine
  and the HTTP layer can classify them without inspecting remote payloads.

ERROR CATEGORIES:
  1. Input errors - rejected before any remote call
  2. Remote errors - transport/timeout, credentials, unexpected records

USAGE:
  if errors.Is(err, eligibility.ErrRemoteUnavailable) {
      // caller decides whether to retry
  }

SEE ALSO:
  - engine.go: Returns these errors
  - odoo/client.go: Produces RemoteCallError values
*/
package eligibility

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for a blank identity or an empty identity list.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRemoteUnavailable is returned when the directory cannot be reached
	// or does not answer within the call timeout.
	ErrRemoteUnavailable = errors.New("remote directory unavailable")

	// ErrRemoteAuth is returned when the directory rejects the credentials,
	// after the single re-authentication attempt.
	ErrRemoteAuth = errors.New("remote directory rejected credentials")

	// ErrRemoteData is returned when directory records have an unexpected shape.
	ErrRemoteData = errors.New("unexpected remote directory data")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RemoteCallError describes a failed directory call.
type RemoteCallError struct {
	Op   string // e.g. "res.partner.search_read"
	Kind error  // one of ErrRemoteUnavailable, ErrRemoteAuth, ErrRemoteData
	Err  error  // underlying cause, may be nil
}

// NewRemoteError wraps cause as a failed call of the given kind.
func NewRemoteError(op string, kind, cause error) *RemoteCallError {
	return &RemoteCallError{Op: op, Kind: kind, Err: cause}
}

func (e *RemoteCallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteCallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRemoteFailure returns true if the error came from the directory.
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) ||
		errors.Is(err, ErrRemoteAuth) ||
		errors.Is(err, ErrRemoteData)
}
