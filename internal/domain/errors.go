package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvariantViolation marks states that correct operation never reaches,
// such as a lost status write after a successful settlement.
var ErrInvariantViolation = errors.New("escrow invariant violated")

// ValidationError is a malformed request. No state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// AuthorizationError means the requester may not act on the transfer.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

// StateConflictError means the transfer is not in the status the operation needs.
type StateConflictError struct {
	TransferID uuid.UUID
	Operation  string
	Actual     TransferStatus
	Expected   []TransferStatus
	Detail     string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s transfer %s in status %s", e.Operation, e.TransferID, e.Actual)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Condition names for ConditionNotMetError.
const (
	ConditionTimeLock = "time_lock"
	ConditionGeofence = "geofence"
)

// ConditionNotMetError is a temporal or spatial release denial. The measured
// values are carried so they can be shown to the payee and kept for disputes.
type ConditionNotMetError struct {
	Condition        string
	RemainingSeconds int64
	ReleaseNotBefore string
	DistanceMeters   *int64
	RequiredRadius   *float64
}

func (e *ConditionNotMetError) Error() string {
	switch e.Condition {
	case ConditionTimeLock:
		return fmt.Sprintf("time lock has not expired yet (%ds remaining)", e.RemainingSeconds)
	case ConditionGeofence:
		if e.DistanceMeters != nil {
			return fmt.Sprintf("outside the geofence area (%dm from center)", *e.DistanceMeters)
		}
		return "outside the geofence area"
	default:
		return "release condition not met"
	}
}

// Upstream error codes.
const (
	UpstreamCodeUnavailable              = "unavailable"
	UpstreamCodeTimeout                  = "timeout"
	UpstreamCodeDestinationNotConfigured = "destination_not_configured"
	UpstreamCodeInsufficientFunds        = "insufficient_source_funds"
	UpstreamCodeUnresolvedDestination    = "unresolved_destination"
	UpstreamCodeRejected                 = "rejected"
)

// UpstreamError wraps a payment, ledger or destination failure. Transient
// failures are safe to retry as-is.
type UpstreamError struct {
	Service   string
	Code      string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s failure (%s): %v", e.Service, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s failure (%s)", e.Service, kind, e.Code)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RateLimitedError means too many release attempts were made recently.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many attempts; retry after %ds", e.RetryAfterSeconds)
}
