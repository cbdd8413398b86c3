package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType names a security-relevant decision.
type AuditEventType string

const (
	AuditTransferCreated       AuditEventType = "transfer_created"
	AuditFundsHeld             AuditEventType = "funds_held"
	AuditCaptureFailed         AuditEventType = "capture_failed"
	AuditCaptureAfterTerminal  AuditEventType = "capture_after_terminal"
	AuditVerificationFailure   AuditEventType = "verification_failure"
	AuditAuthorizationDenied   AuditEventType = "authorization_denied"
	AuditReleaseSucceeded      AuditEventType = "release_succeeded"
	AuditReleaseFailed         AuditEventType = "release_failed"
	AuditInvariantViolation    AuditEventType = "invariant_violation"
	AuditTransferCanceled      AuditEventType = "transfer_canceled"
	AuditTransferExpired       AuditEventType = "transfer_expired"
	AuditPayeeActivated        AuditEventType = "payee_activated"
	AuditAuthorizationRejected AuditEventType = "payment_authorization_failed"
)

// AuditEntry is an immutable record kept for dispute resolution.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	EventType  AuditEventType `json:"event_type"`
	TransferID *uuid.UUID     `json:"transfer_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewAuditEntry builds an entry with a fresh id.
func NewAuditEntry(eventType AuditEventType, transferID uuid.UUID, actorID string, at time.Time, metadata map[string]any) AuditEntry {
	id := transferID
	entry := AuditEntry{
		ID:        uuid.New(),
		EventType: eventType,
		ActorID:   actorID,
		Timestamp: at.UTC(),
		Metadata:  metadata,
	}
	if transferID != uuid.Nil {
		entry.TransferID = &id
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	return entry
}
