package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// memoryRepo is an in-memory Repository with the same compare-and-swap and
// claim semantics as the Postgres implementation.
type memoryRepo struct {
	mu           sync.Mutex
	transfers    map[uuid.UUID]domain.Transfer
	audits       []domain.AuditEntry
	events       map[string]string
	destinations []domain.PayeeDestination
	auditErr     error
	// loseClaims makes claim-guarded updates fail as if the claim was taken over.
	loseClaims   bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		transfers: make(map[uuid.UUID]domain.Transfer),
		events:    make(map[string]string),
	}
}

func (r *memoryRepo) seed(t domain.Transfer) *domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.transfers[t.ID] = t
	return &t
}

func (r *memoryRepo) get(id uuid.UUID) domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[id]
}

func (r *memoryRepo) auditsOf(eventType domain.AuditEventType) []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for _, a := range r.audits {
		if a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

func (r *memoryRepo) CreateTransfer(ctx context.Context, t *domain.Transfer, audit *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transfers[t.ID]; exists {
		return store.ErrDuplicateTransfer
	}
	r.transfers[t.ID] = *t
	if audit != nil {
		r.audits = append(r.audits, *audit)
	}
	return nil
}

func (r *memoryRepo) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return &t, nil
}

func (r *memoryRepo) FindTransferByPaymentReference(ctx context.Context, ref string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.PaymentReference != nil && *t.PaymentReference == ref {
			return &t, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *memoryRepo) ListTransfersForParty(ctx context.Context, principalID, email string, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if t.PayerID == principalID || t.IsPayee(domain.Principal{ID: principalID, Email: email}) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListExpiredHeldTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if t.Status == domain.StatusHeld && t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryRepo) ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected domain.TransferStatus, u store.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	if u.ClaimToken != nil && (r.loseClaims || t.SettlementClaimToken == nil || *t.SettlementClaimToken != *u.ClaimToken) {
		return false, nil
	}
	t.Status = u.Status
	if u.PaymentReference != nil {
		t.PaymentReference = u.PaymentReference
	}
	if u.SettlementReference != nil {
		t.SettlementReference = u.SettlementReference
	}
	if u.PlatformFee != nil {
		t.PlatformFeeMinorUnits = u.PlatformFee
	}
	if u.FailureReason != nil {
		t.FailureReason = u.FailureReason
	}
	if u.HeldAt != nil {
		t.HeldAt = u.HeldAt
	}
	if u.ResolvedAt != nil {
		t.ResolvedAt = u.ResolvedAt
	}
	t.SettlementClaimToken = nil
	t.SettlementClaimedAt = nil
	r.transfers[id] = t
	if u.Audit != nil {
		r.audits = append(r.audits, *u.Audit)
	}
	return true, nil
}

func (r *memoryRepo) ClaimSettlement(ctx context.Context, id, token uuid.UUID, now time.Time, lease time.Duration) (store.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok || t.Status != domain.StatusHeld {
		return store.ClaimResult{}, nil
	}
	prior := t.SettlementClaimToken != nil
	if prior && !t.SettlementClaimedAt.Before(now.Add(-lease)) {
		return store.ClaimResult{}, nil
	}
	claimedAt := now
	t.SettlementClaimToken = &token
	t.SettlementClaimedAt = &claimedAt
	r.transfers[id] = t
	return store.ClaimResult{Acquired: true, TookOverStale: prior}, nil
}

func (r *memoryRepo) ReleaseSettlementClaim(ctx context.Context, id, token uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if ok && t.SettlementClaimToken != nil && *t.SettlementClaimToken == token {
		t.SettlementClaimToken = nil
		t.SettlementClaimedAt = nil
		r.transfers[id] = t
	}
	return nil
}

func (r *memoryRepo) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auditErr != nil {
		return r.auditErr
	}
	r.audits = append(r.audits, entry)
	return nil
}

func (r *memoryRepo) ListAuditEntries(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for _, a := range r.audits {
		if a.TransferID != nil && *a.TransferID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[eventID]
	return ok, nil
}

func (r *memoryRepo) MarkWebhookEventProcessed(ctx context.Context, eventID, kind, reference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[eventID]; ok {
		return false, nil
	}
	r.events[eventID] = kind
	return true, nil
}

func (r *memoryRepo) UpsertPayeeDestination(ctx context.Context, d domain.PayeeDestination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.destinations {
		if existing.DestinationRef == d.DestinationRef {
			r.destinations[i] = d
			return nil
		}
	}
	r.destinations = append(r.destinations, d)
	return nil
}

func (r *memoryRepo) FindPayeeDestination(ctx context.Context, payeeID, email string) (*domain.PayeeDestination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.destinations {
		if d.Active && payeeID != "" && d.PayeeID != nil && *d.PayeeID == payeeID {
			return &d, nil
		}
	}
	for _, d := range r.destinations {
		if d.Active && email != "" && d.PayeeEmail != nil && strings.EqualFold(*d.PayeeEmail, email) {
			return &d, nil
		}
	}
	return nil, store.ErrDestinationNotFound
}

type stubPayments struct {
	mu           sync.Mutex
	authorizeErr error
	refundErr    error
	authorized   []AuthorizeInput
	refundKeys   []string
	voided       []string
}

func (p *stubPayments) Authorize(ctx context.Context, in AuthorizeInput) (*Authorization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authorizeErr != nil {
		return nil, p.authorizeErr
	}
	p.authorized = append(p.authorized, in)
	return &Authorization{PaymentReference: "pi_" + in.TransferID.String(), ClientSecret: "secret_" + in.TransferID.String()}, nil
}

func (p *stubPayments) Refund(ctx context.Context, ref string, amount int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refundKeys = append(p.refundKeys, key)
	return "re_" + ref, nil
}

func (p *stubPayments) VoidAuthorization(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voided = append(p.voided, ref)
	return nil
}

type stubLedger struct {
	settleCalls atomic.Int32
	findCalls   atomic.Int32
	settleErr   error
	priorRef    string
	mu          sync.Mutex
	last        SettlementInstruction
}

func (l *stubLedger) Settle(ctx context.Context, in SettlementInstruction) (string, error) {
	l.settleCalls.Add(1)
	if l.settleErr != nil {
		return "", l.settleErr
	}
	l.mu.Lock()
	l.last = in
	l.mu.Unlock()
	return "tr_" + in.IdempotencyKey, nil
}

func (l *stubLedger) FindSettlement(ctx context.Context, key string) (string, bool, error) {
	l.findCalls.Add(1)
	if l.priorRef == "" {
		return "", false, nil
	}
	return l.priorRef, true, nil
}

func (l *stubLedger) lastInstruction() SettlementInstruction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

type stubResolver struct {
	destination string
	err         error
	block       bool
}

func (s *stubResolver) Resolve(ctx context.Context, t *domain.Transfer) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.destination, s.err
}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (s *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, s.err
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errBoom = errors.New("boom")
