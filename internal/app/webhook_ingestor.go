/**
 * @description
 * The WebhookIngestor turns gateway events into state transitions. It is the only
 * component that moves a transfer from `funding` to `held`, so a client can never
 * self-report a successful payment. The signed HTTP webhook and the RabbitMQ
 * consumer both feed the same ingestor and share its event-id deduplication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// IngestOutcome describes what the ingestor did with an event.
type IngestOutcome string

const (
	OutcomeProcessed IngestOutcome = "processed"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeUnmatched IngestOutcome = "unmatched"
	OutcomeIgnored   IngestOutcome = "ignored"
)

const messageHandlingTimeout = 30 * time.Second

const reasonCapturedAmountMismatch = "captured_amount_mismatch"

// IngestorStore is the persistence the ingestor needs.
type IngestorStore interface {
	store.TransferStore
	store.AuditSink
	store.WebhookEventLedger
	store.PayeeDirectory
}

// WebhookIngestor applies gateway events to transfers.
type WebhookIngestor struct {
	repo     IngestorStore
	payments PaymentGateway
	now      func() time.Time
}

// NewWebhookIngestor creates an ingestor. now may be nil.
func NewWebhookIngestor(repo IngestorStore, payments PaymentGateway, now func() time.Time) *WebhookIngestor {
	if now == nil {
		now = time.Now
	}
	return &WebhookIngestor{repo: repo, payments: payments, now: now}
}

// IngestPayload parses a raw event and ingests it. Parse failures wrap the
// domain event sentinels so callers can reject them explicitly.
func (w *WebhookIngestor) IngestPayload(ctx context.Context, body []byte) (IngestOutcome, error) {
	event, err := domain.ParseGatewayEvent(body)
	if err != nil {
		return "", err
	}
	return w.Ingest(ctx, event)
}

// Ingest applies one typed event. Delivery is at-least-once: replays of an event
// id, and captures of an already held transfer, are no-op successes.
func (w *WebhookIngestor) Ingest(ctx context.Context, event domain.GatewayEvent) (IngestOutcome, error) {
	seen, err := w.repo.IsWebhookEventProcessed(ctx, event.EventID())
	if err != nil {
		return "", fmt.Errorf("failed to check webhook event: %w", err)
	}
	if seen {
		log.Printf("level=info component=ingestor msg=\"duplicate event ignored\" event_id=%s kind=%s", event.EventID(), event.Kind())
		return OutcomeDuplicate, nil
	}

	var outcome IngestOutcome
	switch ev := event.(type) {
	case domain.CapturedEvent:
		outcome, err = w.handleCaptured(ctx, ev)
	case domain.CaptureFailedEvent:
		outcome, err = w.handleCaptureFailed(ctx, ev)
	case domain.PayeeActivatedEvent:
		outcome, err = w.handlePayeeActivated(ctx, ev)
	default:
		return "", fmt.Errorf("%w: %T", domain.ErrUnknownEventKind, event)
	}
	if err != nil {
		return "", err
	}

	// Unmatched events stay unrecorded so a redelivery after the payment
	// reference is committed can still match.
	if outcome == OutcomeUnmatched {
		return outcome, nil
	}
	if _, err := w.repo.MarkWebhookEventProcessed(ctx, event.EventID(), event.Kind(), event.Reference()); err != nil {
		return "", err
	}
	return outcome, nil
}

func (w *WebhookIngestor) findByPaymentReference(ctx context.Context, event domain.GatewayEvent) (*domain.Transfer, error) {
	transfer, err := w.repo.FindTransferByPaymentReference(ctx, event.Reference())
	if errors.Is(err, store.ErrTransferNotFound) {
		log.Printf("level=warn component=ingestor msg=\"no transfer for payment reference; dropping\" event_id=%s kind=%s payment_reference=%s", event.EventID(), event.Kind(), event.Reference())
		return nil, nil
	}
	return transfer, err
}

func (w *WebhookIngestor) handleCaptured(ctx context.Context, ev domain.CapturedEvent) (IngestOutcome, error) {
	transfer, err := w.findByPaymentReference(ctx, ev)
	if err != nil || transfer == nil {
		return OutcomeUnmatched, err
	}

	switch transfer.Status {
	case domain.StatusHeld, domain.StatusReleased:
		return OutcomeProcessed, nil
	case domain.StatusFailed, domain.StatusExpired, domain.StatusCanceled:
		return w.handleTerminalCapture(ctx, transfer, ev)
	case domain.StatusFunding:
	default:
		log.Printf("level=warn component=ingestor msg=\"capture for transfer in unexpected status\" transfer_id=%s status=%s", transfer.ID, transfer.Status)
		return OutcomeIgnored, nil
	}

	if ev.AmountMinorUnits > 0 && ev.AmountMinorUnits != transfer.AmountMinorUnits {
		return w.rejectMismatchedCapture(ctx, transfer, ev)
	}

	heldAt := ev.OccurredAt.UTC()
	entry := domain.NewAuditEntry(domain.AuditFundsHeld, transfer.ID, "gateway", w.now(), map[string]any{
		"event_id":          ev.ID,
		"payment_reference": ev.PaymentReference,
		"amount_captured":   ev.AmountMinorUnits,
	})
	ok, err := w.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusFunding, store.StatusUpdate{
		Status: domain.StatusHeld,
		HeldAt: &heldAt,
		Audit:  &entry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to hold transfer %s: %w", transfer.ID, err)
	}
	if !ok {
		// A concurrent delivery won; re-read to report the right outcome.
		current, err := w.repo.FindTransferByID(ctx, transfer.ID)
		if err != nil {
			return "", err
		}
		if current.Status.IsTerminal() && current.Status != domain.StatusReleased {
			return w.handleTerminalCapture(ctx, current, ev)
		}
		return OutcomeProcessed, nil
	}

	log.Printf("level=info component=ingestor msg=\"funds held\" transfer_id=%s payment_reference=%s", transfer.ID, ev.PaymentReference)
	return OutcomeProcessed, nil
}

// handleTerminalCapture deals with a capture that arrives after the transfer
// already ended. A transfer that was held has had its capture applied and
// refunded by the operation that ended it. Otherwise the captured funds are
// returned to the payer.
func (w *WebhookIngestor) handleTerminalCapture(ctx context.Context, transfer *domain.Transfer, ev domain.CapturedEvent) (IngestOutcome, error) {
	if transfer.HeldAt != nil {
		log.Printf("level=info component=ingestor msg=\"capture already applied to ended transfer\" transfer_id=%s status=%s", transfer.ID, transfer.Status)
		return OutcomeProcessed, nil
	}
	if transfer.Status == domain.StatusFailed && transfer.FailureReason != nil && *transfer.FailureReason == reasonCapturedAmountMismatch {
		return w.refundMismatchedCapture(ctx, transfer, ev)
	}
	return w.refundLateCapture(ctx, transfer, ev)
}

// refundLateCapture returns funds captured after the transfer failed, expired
// or was canceled while still funding.
func (w *WebhookIngestor) refundLateCapture(ctx context.Context, transfer *domain.Transfer, ev domain.CapturedEvent) (IngestOutcome, error) {
	refundRef, err := w.payments.Refund(ctx, ev.PaymentReference, transfer.AmountMinorUnits, "escrow-late-capture-"+transfer.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to refund late capture of %s transfer %s: %w", transfer.Status, transfer.ID, err)
	}
	entry := domain.NewAuditEntry(domain.AuditCaptureAfterTerminal, transfer.ID, "gateway", w.now(), map[string]any{
		"event_id":         ev.ID,
		"status":           string(transfer.Status),
		"refund_reference": refundRef,
	})
	if err := w.repo.AppendAudit(ctx, entry); err != nil {
		return "", err
	}
	log.Printf("level=warn component=ingestor msg=\"refunded late capture\" transfer_id=%s status=%s refund_reference=%s", transfer.ID, transfer.Status, refundRef)
	return OutcomeProcessed, nil
}

func (w *WebhookIngestor) rejectMismatchedCapture(ctx context.Context, transfer *domain.Transfer, ev domain.CapturedEvent) (IngestOutcome, error) {
	log.Printf("level=error component=ingestor msg=\"captured amount does not match transfer\" transfer_id=%s expected=%d captured=%d", transfer.ID, transfer.AmountMinorUnits, ev.AmountMinorUnits)
	reason := reasonCapturedAmountMismatch
	now := w.now()
	entry := domain.NewAuditEntry(domain.AuditCaptureFailed, transfer.ID, "gateway", now, map[string]any{
		"event_id":        ev.ID,
		"reason":          reason,
		"expected_amount": transfer.AmountMinorUnits,
		"captured_amount": ev.AmountMinorUnits,
	})
	ok, err := w.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusFunding, store.StatusUpdate{
		Status:        domain.StatusFailed,
		FailureReason: &reason,
		ResolvedAt:    &now,
		Audit:         &entry,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		current, err := w.repo.FindTransferByID(ctx, transfer.ID)
		if err != nil {
			return "", err
		}
		if !current.Status.IsTerminal() || current.Status == domain.StatusReleased {
			return OutcomeProcessed, nil
		}
		return w.handleTerminalCapture(ctx, current, ev)
	}
	return w.refundMismatchedCapture(ctx, transfer, ev)
}

// refundMismatchedCapture returns a capture whose amount did not match. The
// error is returned so the event stays unrecorded and a redelivery retries the
// refund under the same idempotency key.
func (w *WebhookIngestor) refundMismatchedCapture(ctx context.Context, transfer *domain.Transfer, ev domain.CapturedEvent) (IngestOutcome, error) {
	refundRef, err := w.payments.Refund(ctx, ev.PaymentReference, ev.AmountMinorUnits, "escrow-mismatch-"+transfer.ID.String())
	if err != nil {
		log.Printf("level=error component=ingestor msg=\"refund of mismatched capture failed\" transfer_id=%s err=%v", transfer.ID, err)
		return "", fmt.Errorf("failed to refund mismatched capture of transfer %s: %w", transfer.ID, err)
	}
	log.Printf("level=info component=ingestor msg=\"refunded mismatched capture\" transfer_id=%s refund_reference=%s", transfer.ID, refundRef)
	return OutcomeProcessed, nil
}

func (w *WebhookIngestor) handleCaptureFailed(ctx context.Context, ev domain.CaptureFailedEvent) (IngestOutcome, error) {
	transfer, err := w.findByPaymentReference(ctx, ev)
	if err != nil || transfer == nil {
		return OutcomeUnmatched, err
	}
	if transfer.Status != domain.StatusFunding {
		log.Printf("level=info component=ingestor msg=\"capture failure for transfer not in funding\" transfer_id=%s status=%s", transfer.ID, transfer.Status)
		return OutcomeIgnored, nil
	}

	reason := ev.Reason
	if reason == "" {
		reason = "capture_failed"
	}
	now := w.now()
	entry := domain.NewAuditEntry(domain.AuditCaptureFailed, transfer.ID, "gateway", now, map[string]any{
		"event_id":          ev.ID,
		"payment_reference": ev.PaymentReference,
		"reason":            reason,
	})
	ok, err := w.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusFunding, store.StatusUpdate{
		Status:        domain.StatusFailed,
		FailureReason: &reason,
		ResolvedAt:    &now,
		Audit:         &entry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fail transfer %s: %w", transfer.ID, err)
	}
	if !ok {
		return OutcomeIgnored, nil
	}
	log.Printf("level=info component=ingestor msg=\"capture failed\" transfer_id=%s reason=%q", transfer.ID, reason)
	return OutcomeProcessed, nil
}

func (w *WebhookIngestor) handlePayeeActivated(ctx context.Context, ev domain.PayeeActivatedEvent) (IngestOutcome, error) {
	if !ev.Activated() {
		log.Printf("level=info component=ingestor msg=\"payee account not yet able to receive funds\" destination_ref=%s", ev.DestinationRef)
		return OutcomeIgnored, nil
	}

	destination := domain.PayeeDestination{DestinationRef: ev.DestinationRef, Active: true, UpdatedAt: w.now().UTC()}
	if ev.PayeeID != "" {
		id := ev.PayeeID
		destination.PayeeID = &id
	}
	if ev.PayeeEmail != "" {
		email := ev.PayeeEmail
		destination.PayeeEmail = &email
	}
	if err := w.repo.UpsertPayeeDestination(ctx, destination); err != nil {
		return "", err
	}

	entry := domain.NewAuditEntry(domain.AuditPayeeActivated, uuid.Nil, "gateway", w.now(), map[string]any{
		"event_id":        ev.ID,
		"destination_ref": ev.DestinationRef,
		"payee_id":        ev.PayeeID,
		"payee_email":     ev.PayeeEmail,
	})
	if err := w.repo.AppendAudit(ctx, entry); err != nil {
		return "", err
	}
	log.Printf("level=info component=ingestor msg=\"payee destination activated\" destination_ref=%s", ev.DestinationRef)
	return OutcomeProcessed, nil
}

// HandleMessage is the RabbitMQ entry point. Malformed payloads are dropped;
// processing failures are re-queued.
func (w *WebhookIngestor) HandleMessage(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), messageHandlingTimeout)
	defer cancel()

	outcome, err := w.IngestPayload(ctx, body)
	if err != nil {
		if domain.IsMalformedEvent(err) {
			log.Printf("level=warn component=ingestor msg=\"dropping malformed gateway event\" err=%v", err)
			return true
		}
		log.Printf("level=error component=ingestor msg=\"failed to ingest gateway event\" err=%v", err)
		return false
	}
	log.Printf("level=info component=ingestor msg=\"gateway event ingested\" outcome=%s", outcome)
	return true
}
