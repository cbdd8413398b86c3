package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	testInternalKey   = "internal-key"
	testWebhookSecret = "whsec_test"
)

type fakeEngine struct {
	createReq  domain.CreateTransferRequest
	releaseReq domain.ReleaseRequest
	cancelReq  domain.CancelRequest
	listLimit  int
	err        error
}

func (f *fakeEngine) Create(ctx context.Context, payer domain.Principal, req domain.CreateTransferRequest) (*domain.CreateTransferResult, error) {
	f.createReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.CreateTransferResult{
		Transfer:      &domain.Transfer{ID: uuid.New(), PayerID: payer.ID, Status: domain.StatusFunding, AmountMinorUnits: req.AmountMinorUnits},
		ClientSecret:  "cs_123",
		PlatformFee:   200,
		NetMinorUnits: req.AmountMinorUnits - 200,
	}, nil
}

func (f *fakeEngine) Get(ctx context.Context, id uuid.UUID, principal domain.Principal) (*domain.Transfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Transfer{ID: id, Status: domain.StatusHeld}, nil
}

func (f *fakeEngine) ListForPrincipal(ctx context.Context, principal domain.Principal, limit int) ([]domain.Transfer, error) {
	f.listLimit = limit
	return nil, f.err
}

func (f *fakeEngine) Release(ctx context.Context, req domain.ReleaseRequest) (*domain.ReleaseResult, error) {
	f.releaseReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ReleaseResult{TransferID: req.TransferID, Status: domain.StatusReleased, SettlementReference: "tr_1", AmountTransferred: 9800, PlatformFee: 200, GrossMinorUnits: 10000}, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.Transfer, error) {
	f.cancelReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Transfer{ID: req.TransferID, Status: domain.StatusCanceled}, nil
}

func (f *fakeEngine) ExpireSweep(ctx context.Context) (domain.ExpirySweepResult, error) {
	return domain.ExpirySweepResult{Evaluated: 2, Expired: 2}, f.err
}

func (f *fakeEngine) AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	return nil, f.err
}

type fakeIngestor struct {
	body    []byte
	outcome app.IngestOutcome
	err     error
}

func (f *fakeIngestor) IngestPayload(ctx context.Context, body []byte) (app.IngestOutcome, error) {
	f.body = body
	return f.outcome, f.err
}

// headerAuth trusts X-Test-User so handler tests do not need signed tokens.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Test-User")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, domain.Principal{ID: id, Email: id + "@example.com"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestServer(engine *fakeEngine, ingestor *fakeIngestor) http.Handler {
	return newRouter(NewEscrowHandlers(engine, ingestor, testWebhookSecret), headerAuth, testInternalKey)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var asUser = map[string]string{"X-Test-User": "user_payer"}

func TestCreateEscrow(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})

	rec := doRequest(t, srv, http.MethodPost, "/escrows", `{"amount_minor_units":10000,"payee":"payee@example.com","geofence":{"circle":{"center":{"lat":1,"lng":2},"radius_m":50}}}`, asUser)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeJSON(t, rec)
	assert.Equal(t, "cs_123", body["client_secret"])
	assert.EqualValues(t, 200, body["platform_fee_minor_units"])
	require.NotNil(t, engine.createReq.Geofence)
	assert.Equal(t, 50.0, engine.createReq.Geofence.Circle.RadiusMeters)
}

func TestCreateEscrow_RejectsInvalidBody(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeIngestor{})

	rec := doRequest(t, srv, http.MethodPost, "/escrows", `{"amount_minor_units":0,"payee":"x"}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["details"], "AmountMinorUnits")

	rec = doRequest(t, srv, http.MethodPost, "/escrows", `{"amount_minor_units":10,"payee":"x","surprise":true}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/escrows", `{"amount_minor_units":10,"payee":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReleaseEscrow_PassesLocation(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})
	id := uuid.New()

	rec := doRequest(t, srv, http.MethodPost, "/escrows/"+id.String()+"/release", `{"current_lat":40.7,"current_lng":-74.0}`, asUser)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, engine.releaseReq.Location)
	assert.Equal(t, 40.7, engine.releaseReq.Location.Lat)
	assert.Equal(t, id, engine.releaseReq.TransferID)
	assert.Equal(t, "user_payer", engine.releaseReq.Requester.ID)
	assert.Equal(t, "tr_1", decodeJSON(t, rec)["settlement_reference"])
}

func TestReleaseEscrow_LocationValidation(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})
	path := "/escrows/" + uuid.NewString() + "/release"

	rec := doRequest(t, srv, http.MethodPost, path, `{"current_lat":40.7}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, path, `{"current_lat":95,"current_lng":0}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, path, ``, asUser)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, engine.releaseReq.Location)

	rec = doRequest(t, srv, http.MethodPost, "/escrows/not-a-uuid/release", `{}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseEscrow_ErrorMapping(t *testing.T) {
	distance := int64(80)
	radius := 50.0
	cases := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{"time lock", &domain.ConditionNotMetError{Condition: domain.ConditionTimeLock, RemainingSeconds: 1800, ReleaseNotBefore: "2026-05-04T10:00:00Z"}, http.StatusUnprocessableEntity, func(t *testing.T, rec *httptest.ResponseRecorder) {
			body := decodeJSON(t, rec)
			assert.EqualValues(t, 1800, body["remaining_seconds"])
			assert.Equal(t, "2026-05-04T10:00:00Z", body["release_not_before"])
		}},
		{"geofence", &domain.ConditionNotMetError{Condition: domain.ConditionGeofence, DistanceMeters: &distance, RequiredRadius: &radius}, http.StatusUnprocessableEntity, func(t *testing.T, rec *httptest.ResponseRecorder) {
			body := decodeJSON(t, rec)
			assert.EqualValues(t, 80, body["your_distance_m"])
			assert.EqualValues(t, 50, body["required_radius_m"])
			assert.NotContains(t, body, "remaining_seconds")
		}},
		{"validation", &domain.ValidationError{Field: "location", Message: "required"}, http.StatusBadRequest, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.Equal(t, "location", decodeJSON(t, rec)["field"])
		}},
		{"not payee", &domain.AuthorizationError{Reason: "nope"}, http.StatusForbidden, nil},
		{"not found", store.ErrTransferNotFound, http.StatusNotFound, nil},
		{"conflict", &domain.StateConflictError{Operation: "release", Actual: domain.StatusFunding}, http.StatusConflict, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.Equal(t, "funding", decodeJSON(t, rec)["status"])
		}},
		{"rate limited", &domain.RateLimitedError{RetryAfterSeconds: 42}, http.StatusTooManyRequests, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.Equal(t, "42", rec.Header().Get("Retry-After"))
		}},
		{"destination missing", &domain.UpstreamError{Service: "destination", Code: domain.UpstreamCodeDestinationNotConfigured}, http.StatusFailedDependency, nil},
		{"ledger transient", &domain.UpstreamError{Service: "ledger", Code: domain.UpstreamCodeTimeout, Transient: true}, http.StatusServiceUnavailable, nil},
		{"ledger permanent", &domain.UpstreamError{Service: "ledger", Code: domain.UpstreamCodeInsufficientFunds}, http.StatusBadGateway, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.Equal(t, domain.UpstreamCodeInsufficientFunds, decodeJSON(t, rec)["code"])
		}},
		{"invariant", domain.ErrInvariantViolation, http.StatusInternalServerError, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeEngine{err: tc.err}, &fakeIngestor{})
			rec := doRequest(t, srv, http.MethodPost, "/escrows/"+uuid.NewString()+"/release", `{}`, asUser)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.check != nil {
				tc.check(t, rec)
			}
		})
	}
}

func TestListEscrows(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})

	rec := doRequest(t, srv, http.MethodGet, "/escrows?limit=25", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, engine.listLimit)
	assert.JSONEq(t, `{"transfers":[]}`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/escrows?limit=-1", "", asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEscrow(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})
	id := uuid.New()

	rec := doRequest(t, srv, http.MethodPost, "/escrows/"+id.String()+"/cancel", `{"reason":"changed my mind"}`, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, engine.cancelReq.Admin)
	assert.Equal(t, "changed my mind", engine.cancelReq.Reason)
	assert.Equal(t, "user_payer", engine.cancelReq.Requester.ID)
}

func TestInternalRoutesRequireKey(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeIngestor{})
	id := uuid.New()

	rec := doRequest(t, srv, http.MethodPost, "/internal/escrows/"+id.String()+"/cancel", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/internal/escrows/"+id.String()+"/cancel", "", map[string]string{"X-Internal-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/internal/escrows/"+id.String()+"/cancel", `{"reason":"dispute"}`, map[string]string{"X-Internal-API-Key": testInternalKey, "X-Actor-ID": "ops_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, engine.cancelReq.Admin)
	assert.Equal(t, "ops_1", engine.cancelReq.Requester.ID)

	rec = doRequest(t, srv, http.MethodPost, "/internal/escrows/expiry/run", "", map[string]string{"X-Internal-API-Key": testInternalKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeJSON(t, rec)["expired"])

	rec = doRequest(t, srv, http.MethodGet, "/internal/escrows/"+id.String()+"/audit", "", map[string]string{"X-Internal-API-Key": testInternalKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id.String(), decodeJSON(t, rec)["transfer_id"])
}

func TestInternalAuthMiddleware_EmptyKeyRejects(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := doRequest(t, handler, http.MethodGet, "/", "", map[string]string{"X-Internal-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signedHeaders(body string) map[string]string {
	return map[string]string{SignatureHeader: "sha256=" + hex.EncodeToString(ComputeWebhookSignature(testWebhookSecret, []byte(body)))}
}

func TestPaymentWebhook(t *testing.T) {
	body := `{"id":"evt_1","type":"payment.captured","data":{"payment_reference":"pi_1","amount_minor_units":100}}`

	t.Run("valid signature is ingested", func(t *testing.T) {
		ingestor := &fakeIngestor{outcome: app.OutcomeProcessed}
		rec := doRequest(t, newTestServer(&fakeEngine{}, ingestor), http.MethodPost, "/webhooks/payments", body, signedHeaders(body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, string(ingestor.body))
		assert.Equal(t, "processed", decodeJSON(t, rec)["outcome"])
	})

	t.Run("bare hex signature is accepted", func(t *testing.T) {
		headers := map[string]string{SignatureHeader: hex.EncodeToString(ComputeWebhookSignature(testWebhookSecret, []byte(body)))}
		rec := doRequest(t, newTestServer(&fakeEngine{}, &fakeIngestor{outcome: app.OutcomeDuplicate}), http.MethodPost, "/webhooks/payments", body, headers)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad signature is rejected before ingestion", func(t *testing.T) {
		ingestor := &fakeIngestor{}
		rec := doRequest(t, newTestServer(&fakeEngine{}, ingestor), http.MethodPost, "/webhooks/payments", body, signedHeaders(body+" "))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, ingestor.body)
	})

	t.Run("unknown kind is a 400", func(t *testing.T) {
		ingestor := &fakeIngestor{err: domain.ErrUnknownEventKind}
		rec := doRequest(t, newTestServer(&fakeEngine{}, ingestor), http.MethodPost, "/webhooks/payments", body, signedHeaders(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		ingestor := &fakeIngestor{err: context.DeadlineExceeded}
		rec := doRequest(t, newTestServer(&fakeEngine{}, ingestor), http.MethodPost, "/webhooks/payments", body, signedHeaders(body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeEngine{}, &fakeIngestor{}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

