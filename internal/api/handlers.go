/**
 * @description
 * HTTP handlers for the escrow-service. Handlers parse requests, call the
 * EscrowEngine and translate its typed errors into HTTP responses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - github.com/google/uuid: For transfer ids.
 * - internal/app, internal/domain: Engine contract and models.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/geo"
)

const maxRequestBodyBytes = 1 << 20

// EscrowService is the engine contract the handlers depend on.
type EscrowService interface {
	Create(ctx context.Context, payer domain.Principal, req domain.CreateTransferRequest) (*domain.CreateTransferResult, error)
	Get(ctx context.Context, id uuid.UUID, principal domain.Principal) (*domain.Transfer, error)
	ListForPrincipal(ctx context.Context, principal domain.Principal, limit int) ([]domain.Transfer, error)
	Release(ctx context.Context, req domain.ReleaseRequest) (*domain.ReleaseResult, error)
	Cancel(ctx context.Context, req domain.CancelRequest) (*domain.Transfer, error)
	ExpireSweep(ctx context.Context) (domain.ExpirySweepResult, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error)
}

// EventIngestor applies signed gateway webhooks.
type EventIngestor interface {
	IngestPayload(ctx context.Context, body []byte) (app.IngestOutcome, error)
}

// EscrowHandlers holds the services the handlers use.
type EscrowHandlers struct {
	engine        EscrowService
	ingestor      EventIngestor
	validate      *ValidationHelper
	webhookSecret string
}

// NewEscrowHandlers creates the handler set.
func NewEscrowHandlers(engine EscrowService, ingestor EventIngestor, webhookSecret string) *EscrowHandlers {
	return &EscrowHandlers{
		engine:        engine,
		ingestor:      ingestor,
		validate:      NewValidationHelper(),
		webhookSecret: webhookSecret,
	}
}

type releaseRequest struct {
	CurrentLat *float64 `json:"current_lat" validate:"required_with=CurrentLng,omitempty,latitude"`
	CurrentLng *float64 `json:"current_lng" validate:"required_with=CurrentLat,omitempty,longitude"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type listResponse struct {
	Transfers []domain.Transfer `json:"transfers"`
}

type auditResponse struct {
	TransferID string              `json:"transfer_id"`
	Entries    []domain.AuditEntry `json:"entries"`
}

// CreateEscrowHandler records a transfer and starts payment authorization.
func (h *EscrowHandlers) CreateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req domain.CreateTransferRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		log.Printf("level=warn component=api endpoint=create_escrow outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.ValidateStruct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	result, err := h.engine.Create(r.Context(), principal, req)
	if err != nil {
		writeEngineError(w, "create_escrow", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_escrow outcome=created transfer_id=%s payer_id=%s", result.Transfer.ID, principal.ID)
	writeJSON(w, http.StatusCreated, result)
}

// ListEscrowsHandler lists the transfers the caller sent or may receive.
func (h *EscrowHandlers) ListEscrowsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	transfers, err := h.engine.ListForPrincipal(r.Context(), principal, limit)
	if err != nil {
		writeEngineError(w, "list_escrows", err)
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	writeJSON(w, http.StatusOK, listResponse{Transfers: transfers})
}

// GetEscrowHandler returns one transfer to its payer or payee.
func (h *EscrowHandlers) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	transfer, err := h.engine.Get(r.Context(), id, principal)
	if err != nil {
		writeEngineError(w, "get_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

// ReleaseEscrowHandler evaluates release conditions and settles to the payee.
func (h *EscrowHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}

	var req releaseRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.ValidateStruct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	release := domain.ReleaseRequest{TransferID: id, Requester: principal}
	if req.CurrentLat != nil && req.CurrentLng != nil {
		release.Location = &geo.Point{Lat: *req.CurrentLat, Lng: *req.CurrentLng}
	}

	result, err := h.engine.Release(r.Context(), release)
	if err != nil {
		writeEngineError(w, "release_escrow", err)
		return
	}
	log.Printf("level=info component=api endpoint=release_escrow outcome=released transfer_id=%s settlement_reference=%s", id, result.SettlementReference)
	writeJSON(w, http.StatusOK, result)
}

// CancelEscrowHandler lets the payer cancel a transfer that is not yet held.
func (h *EscrowHandlers) CancelEscrowHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	h.cancel(w, r, domain.CancelRequest{Requester: principal}, "cancel_escrow")
}

// AdminCancelEscrowHandler cancels any non-terminal transfer, refunding held funds.
func (h *EscrowHandlers) AdminCancelEscrowHandler(w http.ResponseWriter, r *http.Request) {
	actor := domain.Principal{ID: strings.TrimSpace(r.Header.Get("X-Actor-ID"))}
	h.cancel(w, r, domain.CancelRequest{Requester: actor, Admin: true}, "admin_cancel_escrow")
}

func (h *EscrowHandlers) cancel(w http.ResponseWriter, r *http.Request, req domain.CancelRequest, endpoint string) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.ValidateStruct(body); err != nil {
		writeValidationError(w, err)
		return
	}

	req.TransferID = id
	req.Reason = body.Reason
	transfer, err := h.engine.Cancel(r.Context(), req)
	if err != nil {
		writeEngineError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

// RunExpirySweepHandler runs one expiry sweep on demand.
func (h *EscrowHandlers) RunExpirySweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ExpireSweep(r.Context())
	if err != nil {
		writeEngineError(w, "run_expiry_sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AuditTrailHandler returns the append-only audit entries of a transfer.
func (h *EscrowHandlers) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.AuditTrail(r.Context(), id)
	if err != nil {
		writeEngineError(w, "audit_trail", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{TransferID: id.String(), Entries: entries})
}

func (h *EscrowHandlers) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok || principal.ID == "" {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return domain.Principal{}, false
	}
	return principal, true
}

func transferIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body, rejecting unknown fields. When optional is
// set an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
