package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

func expiryRefundKey(id uuid.UUID) string {
	return "escrow-expiry-" + id.String()
}

// ExpireSweep handles held transfers whose claim window has closed. Under
// auto_return the payer is refunded and the transfer becomes `expired`; under
// freeze the transfer stays held for manual follow-up.
func (e *EscrowEngine) ExpireSweep(ctx context.Context) (domain.ExpirySweepResult, error) {
	var result domain.ExpirySweepResult

	transfers, err := e.repo.ListExpiredHeldTransfers(ctx, e.now(), e.cfg.SweepBatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list expired transfers: %w", err)
	}

	for i := range transfers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		transfer := &transfers[i]
		result.Evaluated++

		if e.cfg.ExpiryPolicy == ExpiryPolicyFreeze {
			log.Printf("level=warn component=engine msg=\"expired transfer frozen pending manual review\" transfer_id=%s expires_at=%s", transfer.ID, transfer.ExpiresAt)
			result.Frozen++
			continue
		}

		expired, err := e.expireOne(ctx, transfer)
		switch {
		case err != nil:
			log.Printf("level=error component=engine msg=\"failed to expire transfer\" transfer_id=%s err=%v", transfer.ID, err)
			result.Failed++
		case !expired:
			result.Skipped++
		default:
			result.Expired++
		}
	}

	return result, nil
}

// expireOne returns false when another attempt holds the settlement claim.
func (e *EscrowEngine) expireOne(ctx context.Context, transfer *domain.Transfer) (bool, error) {
	token := uuid.New()
	claim, err := e.repo.ClaimSettlement(ctx, transfer.ID, token, e.now(), e.cfg.ClaimLease)
	if err != nil {
		return false, err
	}
	if !claim.Acquired {
		return false, nil
	}

	refundRef, err := e.refundHeld(ctx, transfer, expiryRefundKey(transfer.ID))
	if err != nil {
		e.releaseClaim(transfer.ID, token)
		return false, err
	}

	now := e.now()
	entry := domain.NewAuditEntry(domain.AuditTransferExpired, transfer.ID, "system", now, map[string]any{
		"policy":           ExpiryPolicyAutoReturn,
		"refund_reference": refundRef,
		"amount_refunded":  transfer.AmountMinorUnits,
	})
	reason := "expired_unclaimed"
	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusHeld, store.StatusUpdate{
		Status:        domain.StatusExpired,
		FailureReason: &reason,
		ResolvedAt:    &now,
		ClaimToken:    &token,
		Audit:         &entry,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		violation := domain.NewAuditEntry(domain.AuditInvariantViolation, transfer.ID, "system", e.now(), map[string]any{
			"operation":        "expire",
			"refund_reference": refundRef,
		})
		e.auditViolation(ctx, violation)
		return false, fmt.Errorf("%w: expiry of transfer %s could not be committed", domain.ErrInvariantViolation, transfer.ID)
	}

	log.Printf("level=info component=engine msg=\"transfer expired and refunded\" transfer_id=%s refund_reference=%s", transfer.ID, refundRef)
	return true, nil
}
