/**
 * @description
 * This package provides a client for the ledger that moves escrowed funds to a
 * payee's payout destination. Every settlement carries an idempotency key, so
 * a retried request never pays twice.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSettlementNotFound is returned by FindSettlement when no settlement
// exists for the idempotency key.
var ErrSettlementNotFound = errors.New("settlement not found")

// Ledger error codes that callers act on.
const (
	CodeInsufficientSourceFunds = "insufficient_source_funds"
	CodeUnresolvedDestination   = "unresolved_destination"
)

// Client is a client for the settlement ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SettleRequest moves AmountMinorUnits to DestinationRef.
type SettleRequest struct {
	DestinationRef   string            `json:"destination"`
	AmountMinorUnits int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key"`
}

// Settlement is the ledger's record of a completed transfer.
type Settlement struct {
	Reference        string `json:"id"`
	Status           string `json:"status"`
	AmountMinorUnits int64  `json:"amount"`
	DestinationRef   string `json:"destination"`
}

// ErrorResponse represents an error from the ledger.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Body       struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Body.Code != "" || e.Body.Message != "" {
		return fmt.Sprintf("ledger error (status %d): %s - %s", e.StatusCode, e.Body.Code, e.Body.Message)
	}
	return fmt.Sprintf("ledger error (status %d)", e.StatusCode)
}

// Code returns the ledger's machine-readable error code.
func (e *ErrorResponse) Code() string { return e.Body.Code }

// Transient reports whether retrying the same request may succeed.
func (e *ErrorResponse) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Settle performs the transfer. The idempotency key is also sent as a header.
func (c *Client) Settle(ctx context.Context, payload SettleRequest) (*Settlement, error) {
	if strings.TrimSpace(payload.IdempotencyKey) == "" {
		return nil, fmt.Errorf("settlement idempotency key is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)

	var out Settlement
	if err := c.execute(req, "settle", &out); err != nil {
		return nil, err
	}
	if out.Reference == "" {
		return nil, fmt.Errorf("ledger returned a settlement without id")
	}
	return &out, nil
}

// FindSettlement looks up a settlement by the idempotency key it was created with.
func (c *Client) FindSettlement(ctx context.Context, idempotencyKey string) (*Settlement, error) {
	path := "/v1/transfers?idempotency_key=" + url.QueryEscape(idempotencyKey)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out Settlement
	if err := c.execute(req, "find_settlement", &out); err != nil {
		var errResp *ErrorResponse
		if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	return req, nil
}

func (c *Client) execute(req *http.Request, op string, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else if resp.StatusCode != http.StatusNotFound {
			log.Printf("level=warn component=ledger_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Body.Code, errResp.Body.Message)
		}
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
