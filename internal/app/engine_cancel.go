package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

func cancelRefundKey(id uuid.UUID) string {
	return "escrow-cancel-" + id.String()
}

// Cancel moves a non-terminal transfer to `canceled`. Payers may cancel before
// funds are held; an administrator may also cancel a held transfer, which
// refunds the payer under a settlement claim.
func (e *EscrowEngine) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.Transfer, error) {
	transfer, err := e.repo.FindTransferByID(ctx, req.TransferID)
	if err != nil {
		return nil, err
	}

	actor := req.Requester.ID
	if req.Admin && actor == "" {
		actor = "admin"
	}

	if transfer.Status.IsTerminal() {
		return nil, &domain.StateConflictError{
			TransferID: transfer.ID,
			Operation:  "cancel",
			Actual:     transfer.Status,
			Expected:   []domain.TransferStatus{domain.StatusCreated, domain.StatusFunding, domain.StatusHeld},
		}
	}

	if !req.Admin && !transfer.IsPayer(req.Requester) {
		denied := domain.NewAuditEntry(domain.AuditAuthorizationDenied, transfer.ID, actor, e.now(), map[string]any{
			"operation": "cancel",
		})
		if err := e.audit(ctx, denied); err != nil {
			return nil, err
		}
		return nil, &domain.AuthorizationError{Reason: "only the payer may cancel this transfer"}
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "canceled_by_payer"
		if req.Admin {
			reason = "canceled_by_admin"
		}
	}

	if transfer.Status == domain.StatusHeld {
		if !req.Admin {
			return nil, &domain.StateConflictError{
				TransferID: transfer.ID,
				Operation:  "cancel",
				Actual:     transfer.Status,
				Expected:   []domain.TransferStatus{domain.StatusCreated, domain.StatusFunding},
				Detail:     "funds are already held; contact support",
			}
		}
		return e.cancelHeld(ctx, transfer, actor, reason)
	}

	now := e.now()
	previous := transfer.Status
	entry := domain.NewAuditEntry(domain.AuditTransferCanceled, transfer.ID, actor, now, map[string]any{
		"reason":      reason,
		"prior_state": string(previous),
	})
	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, previous, store.StatusUpdate{
		Status:        domain.StatusCanceled,
		FailureReason: &reason,
		ResolvedAt:    &now,
		Audit:         &entry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel transfer: %w", err)
	}
	if !ok {
		return nil, e.conflict(ctx, transfer.ID, "cancel", previous)
	}

	if transfer.PaymentReference != nil {
		e.voidQuietly(transfer.ID, *transfer.PaymentReference)
	}

	log.Printf("level=info component=engine msg=\"transfer canceled\" transfer_id=%s prior_state=%s", transfer.ID, previous)
	transfer.Status = domain.StatusCanceled
	transfer.FailureReason = &reason
	transfer.ResolvedAt = &now
	transfer.UpdatedAt = now
	return transfer, nil
}

func (e *EscrowEngine) cancelHeld(ctx context.Context, transfer *domain.Transfer, actor, reason string) (*domain.Transfer, error) {
	token := uuid.New()
	claim, err := e.repo.ClaimSettlement(ctx, transfer.ID, token, e.now(), e.cfg.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim transfer for cancellation: %w", err)
	}
	if !claim.Acquired {
		return nil, e.conflict(ctx, transfer.ID, "cancel", domain.StatusHeld)
	}

	refundRef, err := e.refundHeld(ctx, transfer, cancelRefundKey(transfer.ID))
	if err != nil {
		e.releaseClaim(transfer.ID, token)
		return nil, err
	}

	now := e.now()
	entry := domain.NewAuditEntry(domain.AuditTransferCanceled, transfer.ID, actor, now, map[string]any{
		"reason":           reason,
		"prior_state":      string(domain.StatusHeld),
		"refund_reference": refundRef,
	})
	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusHeld, store.StatusUpdate{
		Status:        domain.StatusCanceled,
		FailureReason: &reason,
		ResolvedAt:    &now,
		ClaimToken:    &token,
		Audit:         &entry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel held transfer: %w", err)
	}
	if !ok {
		violation := domain.NewAuditEntry(domain.AuditInvariantViolation, transfer.ID, actor, e.now(), map[string]any{
			"operation":        "cancel",
			"refund_reference": refundRef,
		})
		e.auditViolation(ctx, violation)
		return nil, fmt.Errorf("%w: cancellation of transfer %s could not be committed", domain.ErrInvariantViolation, transfer.ID)
	}

	log.Printf("level=info component=engine msg=\"held transfer canceled and refunded\" transfer_id=%s refund_reference=%s", transfer.ID, refundRef)
	transfer.Status = domain.StatusCanceled
	transfer.FailureReason = &reason
	transfer.ResolvedAt = &now
	transfer.UpdatedAt = now
	transfer.SettlementClaimToken = nil
	return transfer, nil
}

// refundHeld returns the full captured amount to the payer.
func (e *EscrowEngine) refundHeld(ctx context.Context, transfer *domain.Transfer, key string) (string, error) {
	if transfer.PaymentReference == nil || *transfer.PaymentReference == "" {
		return "", fmt.Errorf("%w: held transfer %s has no payment reference", domain.ErrInvariantViolation, transfer.ID)
	}
	return e.payments.Refund(ctx, *transfer.PaymentReference, transfer.AmountMinorUnits, key)
}
