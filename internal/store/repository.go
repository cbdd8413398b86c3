/**
 * @description
 * This file defines the persistence boundary of the escrow-service. The interfaces
 * abstract the database so the engine and ingestor can be tested without Postgres.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// StatusUpdate describes the fields written together with a status transition.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Status              domain.TransferStatus
	PaymentReference    *string
	SettlementReference *string
	PlatformFee         *int64
	FailureReason       *string
	HeldAt              *time.Time
	ResolvedAt          *time.Time

	// ClaimToken, when set, requires the transfer to still carry this
	// settlement claim. The claim is cleared by every successful transition.
	ClaimToken *uuid.UUID

	// Audit is appended in the same database transaction as the status write.
	Audit *domain.AuditEntry
}

// ClaimResult is returned by ClaimSettlement.
type ClaimResult struct {
	Acquired bool
	// TookOverStale is set when an expired claim from an earlier attempt was replaced.
	TookOverStale bool
}

// TransferStore is the persistence boundary for the Transfer entity.
type TransferStore interface {
	CreateTransfer(ctx context.Context, transfer *domain.Transfer, audit *domain.AuditEntry) error
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	FindTransferByPaymentReference(ctx context.Context, paymentReference string) (*domain.Transfer, error)
	ListTransfersForParty(ctx context.Context, principalID string, email string, limit int) ([]domain.Transfer, error)
	ListExpiredHeldTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)

	// ConditionalUpdateStatus writes update only if the stored status still
	// equals expected. It reports whether the write happened.
	ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected domain.TransferStatus, update StatusUpdate) (bool, error)

	// ClaimSettlement marks a held transfer as having a settlement in flight.
	ClaimSettlement(ctx context.Context, id uuid.UUID, token uuid.UUID, now time.Time, lease time.Duration) (ClaimResult, error)
	ReleaseSettlementClaim(ctx context.Context, id uuid.UUID, token uuid.UUID) error
}

// AuditSink is the append-only audit log.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, transferID uuid.UUID) ([]domain.AuditEntry, error)
}

// WebhookEventLedger records processed gateway event ids.
type WebhookEventLedger interface {
	IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID, kind, reference string) (bool, error)
}

// PayeeDirectory stores payout destinations learned from activation events.
type PayeeDirectory interface {
	UpsertPayeeDestination(ctx context.Context, destination domain.PayeeDestination) error
	FindPayeeDestination(ctx context.Context, payeeID string, email string) (*domain.PayeeDestination, error)
}

// OutboxMessage is an event waiting to be published to the broker.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Outbox is the transactional outbox drained by the dispatcher.
type Outbox interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is everything the escrow-service persists.
type Repository interface {
	TransferStore
	AuditSink
	WebhookEventLedger
	PayeeDirectory
	Outbox
}
