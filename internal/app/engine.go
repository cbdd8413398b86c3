/**
 * @description
 * This file contains the core business logic of the escrow-service. The `EscrowEngine`
 * owns the transfer state machine: it creates transfers and asks the payment gateway
 * to authorize funds, evaluates release conditions, settles through the ledger and
 * performs every status transition through the store's conditional update.
 *
 * Key features:
 * - Release is gated by the payee check, the time lock and the geofence, in that order.
 * - A settlement claim is taken before any money-moving call, so a transfer is
 *   settled at most once even under concurrent duplicate requests.
 * - Every denial and terminal transition is audited before the caller is answered.
 *
 * @dependencies
 * - github.com/google/uuid: For transfer ids and settlement claim tokens.
 * - internal/domain, internal/store, internal/fee, internal/geo.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/fee"
	"github.com/transfa/escrow-service/internal/store"
)

// Expiry policies.
const (
	ExpiryPolicyAutoReturn = "auto_return"
	ExpiryPolicyFreeze     = "freeze"
)

const (
	defaultLookupTimeout   = 5 * time.Second
	defaultClaimLease      = 2 * time.Minute
	defaultClaimWindow     = 72 * time.Hour
	defaultSweepBatchSize  = 100
	releaseRateLimitWindow = time.Minute
	cleanupTimeout         = 10 * time.Second
)

// EngineStore is the persistence the engine needs.
type EngineStore interface {
	store.TransferStore
	store.AuditSink
	store.PayeeDirectory
}

// EngineConfig carries the tunables of the state machine.
type EngineConfig struct {
	Currency                 string
	DestinationLookupTimeout time.Duration
	ClaimLease               time.Duration
	ExpiryPolicy             string
	DefaultClaimWindow       time.Duration
	SweepBatchSize           int
	ReleaseRateLimit         int
	Now                      func() time.Time
}

// EscrowEngine implements the escrow state machine.
type EscrowEngine struct {
	repo         EngineStore
	payments     PaymentGateway
	ledger       LedgerGateway
	destinations DestinationResolver
	limiter      ReleaseLimiter
	splitter     fee.Splitter
	cfg          EngineConfig
}

// NewEscrowEngine creates a new engine. limiter may be nil.
func NewEscrowEngine(
	repo EngineStore,
	payments PaymentGateway,
	ledger LedgerGateway,
	destinations DestinationResolver,
	limiter ReleaseLimiter,
	splitter fee.Splitter,
	cfg EngineConfig,
) *EscrowEngine {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.DestinationLookupTimeout <= 0 {
		cfg.DestinationLookupTimeout = defaultLookupTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultClaimLease
	}
	if cfg.DefaultClaimWindow <= 0 {
		cfg.DefaultClaimWindow = defaultClaimWindow
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if cfg.ExpiryPolicy != ExpiryPolicyFreeze {
		cfg.ExpiryPolicy = ExpiryPolicyAutoReturn
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EscrowEngine{
		repo:         repo,
		payments:     payments,
		ledger:       ledger,
		destinations: destinations,
		limiter:      limiter,
		splitter:     splitter,
		cfg:          cfg,
	}
}

func (e *EscrowEngine) now() time.Time {
	return e.cfg.Now().UTC()
}

// Create records a new transfer and asks the payment gateway to authorize the funds.
// The transfer is left in `funding`; it only becomes `held` when the gateway confirms
// the capture through the webhook ingestor.
func (e *EscrowEngine) Create(ctx context.Context, payer domain.Principal, req domain.CreateTransferRequest) (*domain.CreateTransferResult, error) {
	if strings.TrimSpace(payer.ID) == "" {
		return nil, &domain.AuthorizationError{Reason: "authenticated payer is required"}
	}
	transfer, err := e.newTransfer(ctx, payer, req)
	if err != nil {
		return nil, err
	}

	created := domain.NewAuditEntry(domain.AuditTransferCreated, transfer.ID, payer.ID, transfer.CreatedAt, map[string]any{
		"amount_minor_units": transfer.AmountMinorUnits,
		"currency":           transfer.Currency,
		"payee_identifier":   transfer.PayeeIdentifier,
		"geofence":           transfer.Geofence.Kind(),
		"time_locked":        transfer.ReleaseNotBefore != nil,
	})
	if err := e.repo.CreateTransfer(ctx, transfer, &created); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	auth, err := e.payments.Authorize(ctx, AuthorizeInput{
		TransferID:       transfer.ID,
		AmountMinorUnits: transfer.AmountMinorUnits,
		Currency:         transfer.Currency,
		PayerID:          payer.ID,
		PayerEmail:       payer.Email,
		Description:      transfer.Description,
	})
	if err != nil {
		log.Printf("level=warn component=engine msg=\"payment authorization failed\" transfer_id=%s err=%v", transfer.ID, err)
		e.failAuthorization(ctx, transfer, err)
		return nil, err
	}

	now := e.now()
	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusCreated, store.StatusUpdate{
		Status:           domain.StatusFunding,
		PaymentReference: &auth.PaymentReference,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record payment reference: %w", err)
	}
	if !ok {
		// Canceled between insert and authorization.
		e.voidQuietly(transfer.ID, auth.PaymentReference)
		return nil, e.conflict(ctx, transfer.ID, "fund", domain.StatusCreated)
	}
	transfer.Status = domain.StatusFunding
	transfer.PaymentReference = &auth.PaymentReference
	transfer.UpdatedAt = now

	platformFee, net := e.splitter.Split(transfer.AmountMinorUnits)
	log.Printf("level=info component=engine msg=\"transfer created\" transfer_id=%s amount=%d payment_reference=%s", transfer.ID, transfer.AmountMinorUnits, auth.PaymentReference)

	return &domain.CreateTransferResult{
		Transfer:      transfer,
		ClientSecret:  auth.ClientSecret,
		PlatformFee:   platformFee,
		NetMinorUnits: net,
	}, nil
}

func (e *EscrowEngine) newTransfer(ctx context.Context, payer domain.Principal, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	if req.AmountMinorUnits <= 0 {
		return nil, &domain.ValidationError{Field: "amount_minor_units", Message: "must be greater than zero"}
	}
	payee := strings.TrimSpace(req.PayeeIdentifier)
	if payee == "" {
		return nil, &domain.ValidationError{Field: "payee", Message: "is required"}
	}
	if strings.Contains(payee, "@") {
		payee = strings.ToLower(payee)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = e.cfg.Currency
	}
	if len(currency) != 3 {
		return nil, &domain.ValidationError{Field: "currency", Message: "must be a three-letter code"}
	}

	if err := validateGeofence(req.Geofence); err != nil {
		return nil, err
	}

	now := e.now()
	var releaseNotBefore *time.Time
	if req.ReleaseNotBefore != nil {
		rnb := req.ReleaseNotBefore.UTC()
		releaseNotBefore = &rnb
	}

	expiresAt, err := e.expiryFor(now, releaseNotBefore, req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:               uuid.New(),
		PayerID:          payer.ID,
		PayeeIdentifier:  payee,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         currency,
		Description:      strings.TrimSpace(req.Description),
		ReleaseNotBefore: releaseNotBefore,
		ExpiresAt:        &expiresAt,
		Status:           domain.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Geofence.Kind() != "" {
		transfer.Geofence = req.Geofence
	}
	if email := strings.ToLower(strings.TrimSpace(payer.Email)); email != "" {
		transfer.PayerEmail = &email
	}

	if transfer.IsPayee(payer) {
		return nil, &domain.ValidationError{Field: "payee", Message: "cannot escrow funds to yourself"}
	}

	transfer.PayeeID = e.resolvePayeeID(ctx, payee)
	return transfer, nil
}

// expiryFor picks the instant after which an unclaimed transfer is swept.
func (e *EscrowEngine) expiryFor(now time.Time, releaseNotBefore, requested *time.Time) (time.Time, error) {
	if requested != nil {
		expiresAt := requested.UTC()
		if !expiresAt.After(now) {
			return time.Time{}, &domain.ValidationError{Field: "expires_at", Message: "must be in the future"}
		}
		if releaseNotBefore != nil && !expiresAt.After(*releaseNotBefore) {
			return time.Time{}, &domain.ValidationError{Field: "expires_at", Message: "must be after release_not_before"}
		}
		return expiresAt, nil
	}
	base := now
	if releaseNotBefore != nil && releaseNotBefore.After(now) {
		base = *releaseNotBefore
	}
	return base.Add(e.cfg.DefaultClaimWindow), nil
}

// resolvePayeeID stores the payee's principal id when it is already known.
func (e *EscrowEngine) resolvePayeeID(ctx context.Context, payee string) *string {
	if !strings.Contains(payee, "@") {
		id := payee
		return &id
	}
	dest, err := e.repo.FindPayeeDestination(ctx, "", payee)
	if err != nil {
		if !errors.Is(err, store.ErrDestinationNotFound) {
			log.Printf("level=warn component=engine msg=\"payee lookup failed at creation\" err=%v", err)
		}
		return nil
	}
	if dest.PayeeID == nil || *dest.PayeeID == "" {
		return nil
	}
	id := *dest.PayeeID
	return &id
}

func (e *EscrowEngine) failAuthorization(ctx context.Context, transfer *domain.Transfer, cause error) {
	reason := cause.Error()
	now := e.now()
	audit := domain.NewAuditEntry(domain.AuditAuthorizationRejected, transfer.ID, transfer.PayerID, now, map[string]any{
		"reason": reason,
	})
	ok, err := e.repo.ConditionalUpdateStatus(ctx, transfer.ID, domain.StatusCreated, store.StatusUpdate{
		Status:        domain.StatusFailed,
		FailureReason: &reason,
		ResolvedAt:    &now,
		Audit:         &audit,
	})
	if err != nil || !ok {
		log.Printf("level=error component=engine msg=\"failed to mark transfer failed after authorization error\" transfer_id=%s updated=%t err=%v", transfer.ID, ok, err)
	}
}

func (e *EscrowEngine) voidQuietly(transferID uuid.UUID, paymentReference string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.payments.VoidAuthorization(ctx, paymentReference); err != nil {
		log.Printf("level=warn component=engine msg=\"void authorization failed\" transfer_id=%s payment_reference=%s err=%v", transferID, paymentReference, err)
	}
}

// Get returns a transfer visible to the principal.
func (e *EscrowEngine) Get(ctx context.Context, id uuid.UUID, principal domain.Principal) (*domain.Transfer, error) {
	transfer, err := e.repo.FindTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transfer.IsPayer(principal) && !transfer.IsPayee(principal) {
		return nil, &domain.AuthorizationError{Reason: "not a party to this transfer"}
	}
	return transfer, nil
}

// ListForPrincipal returns the transfers the principal sent or may receive.
func (e *EscrowEngine) ListForPrincipal(ctx context.Context, principal domain.Principal, limit int) ([]domain.Transfer, error) {
	if strings.TrimSpace(principal.ID) == "" {
		return nil, &domain.AuthorizationError{Reason: "authenticated principal is required"}
	}
	return e.repo.ListTransfersForParty(ctx, principal.ID, strings.ToLower(strings.TrimSpace(principal.Email)), limit)
}

// AuditTrail returns the append-only audit entries of a transfer.
func (e *EscrowEngine) AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	if _, err := e.repo.FindTransferByID(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.ListAuditEntries(ctx, id)
}

// conflict builds a StateConflictError carrying the current status.
func (e *EscrowEngine) conflict(ctx context.Context, id uuid.UUID, operation string, expected ...domain.TransferStatus) error {
	conflict := &domain.StateConflictError{TransferID: id, Operation: operation, Expected: expected}
	current, err := e.repo.FindTransferByID(ctx, id)
	if err != nil {
		conflict.Detail = "transfer changed concurrently"
		return conflict
	}
	conflict.Actual = current.Status
	if current.Status == domain.StatusHeld && current.SettlementClaimToken != nil {
		conflict.Detail = "a settlement is already in progress"
	}
	return conflict
}

// audit appends entry durably. Callers return its error instead of the decision
// so no denial reaches a client without a record.
func (e *EscrowEngine) audit(ctx context.Context, entry domain.AuditEntry) error {
	if err := e.repo.AppendAudit(ctx, entry); err != nil {
		log.Printf("level=error component=engine msg=\"audit append failed\" event_type=%s err=%v", entry.EventType, err)
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// auditViolation records an invariant violation. The caller is already failing
// with ErrInvariantViolation, so an append failure is logged, not returned.
func (e *EscrowEngine) auditViolation(ctx context.Context, entry domain.AuditEntry) {
	if err := e.audit(ctx, entry); err != nil {
		log.Printf("level=error component=engine msg=\"invariant violation not audited\" transfer_id=%s operation=%v err=%v", entry.TransferID, entry.Metadata["operation"], err)
	}
}

func validateGeofence(g *domain.Geofence) error {
	if g == nil {
		return nil
	}
	if g.Circle != nil && len(g.Polygon) > 0 {
		return &domain.ValidationError{Field: "geofence", Message: "specify either a polygon or a circle, not both"}
	}
	if g.Circle != nil {
		if err := g.Circle.Center.Validate(); err != nil {
			return &domain.ValidationError{Field: "geofence.circle.center", Message: err.Error()}
		}
		if g.Circle.RadiusMeters <= 0 {
			return &domain.ValidationError{Field: "geofence.circle.radius_m", Message: "must be greater than zero"}
		}
		return nil
	}
	if len(g.Polygon) == 0 {
		return nil
	}
	if len(g.Polygon) < 3 {
		return &domain.ValidationError{Field: "geofence.polygon", Message: "needs at least 3 vertices"}
	}
	for i, vertex := range g.Polygon {
		if err := vertex.Validate(); err != nil {
			return &domain.ValidationError{Field: fmt.Sprintf("geofence.polygon[%d]", i), Message: err.Error()}
		}
	}
	return nil
}
