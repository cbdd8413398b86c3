package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/geo"
	"github.com/transfa/escrow-service/internal/store"
)

// ReleaseLimiter counts release attempts per subject within a window.
type ReleaseLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

func settlementKey(id uuid.UUID) string {
	return "escrow-release-" + id.String()
}

// Release evaluates the release conditions of a held transfer and, when they all
// hold, settles the net amount to the payee and moves the transfer to `released`.
func (e *EscrowEngine) Release(ctx context.Context, req domain.ReleaseRequest) (*domain.ReleaseResult, error) {
	transfer, err := e.repo.FindTransferByID(ctx, req.TransferID)
	if err != nil {
		return nil, err
	}
	actor := req.Requester.ID

	if transfer.Status != domain.StatusHeld {
		return nil, &domain.StateConflictError{
			TransferID: transfer.ID,
			Operation:  "release",
			Actual:     transfer.Status,
			Expected:   []domain.TransferStatus{domain.StatusHeld},
		}
	}

	if !transfer.IsPayee(req.Requester) {
		denied := domain.NewAuditEntry(domain.AuditAuthorizationDenied, transfer.ID, actor, e.now(), map[string]any{
			"operation":       "release",
			"requester_email": req.Requester.Email,
		})
		if err := e.audit(ctx, denied); err != nil {
			return nil, err
		}
		return nil, &domain.AuthorizationError{Reason: "only the payee of record may release this transfer"}
	}

	if err := e.consumeReleaseAttempt(ctx, transfer.ID, req.Requester); err != nil {
		return nil, err
	}

	if err := e.checkConditions(ctx, transfer, req); err != nil {
		return nil, err
	}

	destination, err := e.resolveDestination(ctx, payeeOfRecord(transfer, req.Requester), actor)
	if err != nil {
		return nil, err
	}

	platformFee, net := e.splitter.Split(transfer.AmountMinorUnits)

	token := uuid.New()
	claim, err := e.repo.ClaimSettlement(ctx, transfer.ID, token, e.now(), e.cfg.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement: %w", err)
	}
	if !claim.Acquired {
		return nil, e.conflict(ctx, transfer.ID, "release", domain.StatusHeld)
	}

	settlementRef, err := e.settle(ctx, transfer, destination, net, platformFee, claim.TookOverStale)
	if err != nil {
		e.releaseClaim(transfer.ID, token)
		failed := domain.NewAuditEntry(domain.AuditReleaseFailed, transfer.ID, actor, e.now(), map[string]any{
			"stage":           "settlement",
			"code":            failureCode(err),
			"error":           err.Error(),
			"destination_ref": destination,
			"net_minor_units": net,
		})
		if auditErr := e.audit(ctx, failed); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	now := e.now()
	metadata := map[string]any{
		"settlement_reference":     settlementRef,
		"destination_ref":          destination,
		"gross_minor_units":        transfer.AmountMinorUnits,
		"platform_fee_minor_units": platformFee,
		"net_minor_units":          net,
	}
	if req.Location != nil {
		metadata["lat"] = req.Location.Lat
		metadata["lng"] = req.Location.Lng
	}
	released := domain.NewAuditEntry(domain.AuditReleaseSucceeded, transfer.ID, actor, now, metadata)

	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusHeld, store.StatusUpdate{
		Status:              domain.StatusReleased,
		SettlementReference: &settlementRef,
		PlatformFee:         &platformFee,
		ResolvedAt:          &now,
		ClaimToken:          &token,
		Audit:               &released,
	})
	if err != nil {
		// Funds moved but the status did not commit. The claim is left to expire;
		// the next attempt recovers the settlement by idempotency key.
		log.Printf("level=error component=engine msg=\"settled but failed to commit release\" transfer_id=%s settlement_reference=%s err=%v", transfer.ID, settlementRef, err)
		return nil, fmt.Errorf("failed to commit release of transfer %s: %w", transfer.ID, err)
	}
	if !ok {
		log.Printf("level=error component=engine msg=\"release lost its settlement claim after settling\" transfer_id=%s settlement_reference=%s", transfer.ID, settlementRef)
		violation := domain.NewAuditEntry(domain.AuditInvariantViolation, transfer.ID, actor, e.now(), map[string]any{
			"operation":            "release",
			"settlement_reference": settlementRef,
		})
		e.auditViolation(ctx, violation)
		return nil, fmt.Errorf("%w: release of transfer %s could not be committed", domain.ErrInvariantViolation, transfer.ID)
	}

	log.Printf("level=info component=engine msg=\"transfer released\" transfer_id=%s settlement_reference=%s net=%d fee=%d", transfer.ID, settlementRef, net, platformFee)
	return &domain.ReleaseResult{
		TransferID:          transfer.ID,
		Status:              domain.StatusReleased,
		SettlementReference: settlementRef,
		AmountTransferred:   net,
		PlatformFee:         platformFee,
		GrossMinorUnits:     transfer.AmountMinorUnits,
	}, nil
}

func (e *EscrowEngine) consumeReleaseAttempt(ctx context.Context, id uuid.UUID, requester domain.Principal) error {
	if e.limiter == nil || e.cfg.ReleaseRateLimit <= 0 {
		return nil
	}
	subject := requester.ID
	if subject == "" {
		subject = requester.Email
	}
	count, retryAfter, err := e.limiter.ConsumeRateLimit(ctx, "release:"+id.String(), subject, e.cfg.ReleaseRateLimit, releaseRateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=engine msg=\"release rate limiter unavailable; allowing attempt\" transfer_id=%s err=%v", id, err)
		return nil
	}
	if count > e.cfg.ReleaseRateLimit {
		return &domain.RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// checkConditions evaluates the time lock, then the geofence. Denials are
// audited before they are returned.
func (e *EscrowEngine) checkConditions(ctx context.Context, transfer *domain.Transfer, req domain.ReleaseRequest) error {
	now := e.now()

	if transfer.ReleaseNotBefore != nil && now.Before(*transfer.ReleaseNotBefore) {
		remaining := transfer.ReleaseNotBefore.Sub(now)
		remainingSeconds := int64((remaining + time.Second - 1) / time.Second)
		denial := &domain.ConditionNotMetError{
			Condition:        domain.ConditionTimeLock,
			RemainingSeconds: remainingSeconds,
			ReleaseNotBefore: transfer.ReleaseNotBefore.Format(time.RFC3339),
		}
		entry := domain.NewAuditEntry(domain.AuditVerificationFailure, transfer.ID, req.Requester.ID, now, map[string]any{
			"reason":             domain.ConditionTimeLock,
			"remaining_seconds":  remainingSeconds,
			"release_not_before": denial.ReleaseNotBefore,
		})
		if err := e.audit(ctx, entry); err != nil {
			return err
		}
		return denial
	}

	fence := transfer.Geofence
	if fence.Kind() == "" {
		return nil
	}
	if req.Location == nil {
		return &domain.ValidationError{Field: "location", Message: "current coordinates are required for this transfer"}
	}
	if err := req.Location.Validate(); err != nil {
		return &domain.ValidationError{Field: "location", Message: err.Error()}
	}

	var (
		inside   bool
		distance float64
		radius   *float64
	)
	switch fence.Kind() {
	case "circle":
		inside, distance = geo.WithinRadius(*req.Location, fence.Circle.Center, fence.Circle.RadiusMeters)
		r := fence.Circle.RadiusMeters
		radius = &r
	default:
		inside = geo.PointInPolygon(*req.Location, fence.Polygon)
		distance = geo.HaversineMeters(*req.Location, geo.Centroid(fence.Polygon))
	}
	if inside {
		return nil
	}

	rounded := int64(math.Round(distance))
	denial := &domain.ConditionNotMetError{
		Condition:      domain.ConditionGeofence,
		DistanceMeters: &rounded,
		RequiredRadius: radius,
	}
	metadata := map[string]any{
		"reason":        domain.ConditionGeofence,
		"geofence":      fence.Kind(),
		"lat":           req.Location.Lat,
		"lng":           req.Location.Lng,
		"distance_m":    rounded,
		"distance_from": "center",
	}
	if radius != nil {
		metadata["required_radius_m"] = *radius
	} else {
		metadata["distance_from"] = "centroid"
	}
	entry := domain.NewAuditEntry(domain.AuditVerificationFailure, transfer.ID, req.Requester.ID, now, metadata)
	if err := e.audit(ctx, entry); err != nil {
		return err
	}
	return denial
}

// payeeOfRecord fills in the payee id from the authenticated payee when the
// transfer was addressed by email and no id was known at creation.
func payeeOfRecord(transfer *domain.Transfer, requester domain.Principal) *domain.Transfer {
	if transfer.PayeeID != nil || requester.ID == "" {
		return transfer
	}
	resolved := *transfer
	id := requester.ID
	resolved.PayeeID = &id
	return &resolved
}

// resolveDestination looks the payee's destination up under a bounded timeout
// and fails closed. The transfer stays held on every failure.
func (e *EscrowEngine) resolveDestination(ctx context.Context, transfer *domain.Transfer, actor string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.DestinationLookupTimeout)
	defer cancel()

	destination, err := e.destinations.Resolve(lookupCtx, transfer)
	if err == nil && destination == "" {
		err = ErrDestinationNotFound
	}
	if err == nil {
		return destination, nil
	}

	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, ErrDestinationNotFound):
		upstream = &domain.UpstreamError{Service: "destination", Code: domain.UpstreamCodeDestinationNotConfigured, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(lookupCtx.Err(), context.DeadlineExceeded):
		upstream = &domain.UpstreamError{Service: "destination", Code: domain.UpstreamCodeTimeout, Transient: true, Err: err}
	default:
		upstream = &domain.UpstreamError{Service: "destination", Code: domain.UpstreamCodeUnavailable, Transient: true, Err: err}
	}

	log.Printf("level=warn component=engine msg=\"destination resolution failed\" transfer_id=%s code=%s err=%v", transfer.ID, upstream.Code, err)
	entry := domain.NewAuditEntry(domain.AuditReleaseFailed, transfer.ID, actor, e.now(), map[string]any{
		"stage": "destination",
		"code":  upstream.Code,
	})
	if auditErr := e.audit(ctx, entry); auditErr != nil {
		return "", auditErr
	}
	return "", upstream
}

// settle instructs the ledger. A claim that replaced a stale one first looks for
// a settlement the earlier attempt may have completed.
func (e *EscrowEngine) settle(ctx context.Context, transfer *domain.Transfer, destination string, net, platformFee int64, recovering bool) (string, error) {
	key := settlementKey(transfer.ID)
	if recovering {
		ref, found, err := e.ledger.FindSettlement(ctx, key)
		if err != nil {
			return "", err
		}
		if found {
			log.Printf("level=info component=engine msg=\"recovered prior settlement\" transfer_id=%s settlement_reference=%s", transfer.ID, ref)
			return ref, nil
		}
	}

	return e.ledger.Settle(ctx, SettlementInstruction{
		DestinationRef:   destination,
		AmountMinorUnits: net,
		Currency:         transfer.Currency,
		IdempotencyKey:   key,
		Metadata: map[string]string{
			"transfer_id":              transfer.ID.String(),
			"platform_fee_minor_units": strconv.FormatInt(platformFee, 10),
		},
	})
}

func (e *EscrowEngine) releaseClaim(id uuid.UUID, token uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.repo.ReleaseSettlementClaim(ctx, id, token); err != nil {
		log.Printf("level=warn component=engine msg=\"failed to release settlement claim\" transfer_id=%s err=%v", id, err)
	}
}
