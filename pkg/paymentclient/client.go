/**
 * @description
 * This package provides a client for the card payment gateway. Funds are
 * authorized when a transfer is created and captured by the gateway, which then
 * reports the capture back through a webhook.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AuthorizeRequest asks the gateway to authorize a card payment.
type AuthorizeRequest struct {
	AmountMinorUnits int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Description      string            `json:"description,omitempty"`
	CustomerRef      string            `json:"customer,omitempty"`
	ReceiptEmail     string            `json:"receipt_email,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IdempotencyKey   string            `json:"-"`
}

// AuthorizeResponse carries the gateway's reference and the secret the client
// app needs to confirm the payment.
type AuthorizeResponse struct {
	PaymentReference string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
}

// RefundRequest returns captured funds to the payer.
type RefundRequest struct {
	PaymentReference string            `json:"payment_reference"`
	AmountMinorUnits int64             `json:"amount,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IdempotencyKey   string            `json:"-"`
}

// RefundResponse is the gateway's refund record.
type RefundResponse struct {
	RefundReference string `json:"id"`
	Status          string `json:"status"`
}

// ErrorResponse represents an error from the payment gateway.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Body       struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Body.Code != "" || e.Body.Message != "" {
		return fmt.Sprintf("payment gateway error (status %d): %s - %s", e.StatusCode, e.Body.Code, e.Body.Message)
	}
	return fmt.Sprintf("payment gateway error (status %d)", e.StatusCode)
}

// Code returns the gateway's machine-readable error code.
func (e *ErrorResponse) Code() string { return e.Body.Code }

// Transient reports whether retrying the same request may succeed.
func (e *ErrorResponse) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Authorize creates a manual-capture payment authorization.
func (c *Client) Authorize(ctx context.Context, payload AuthorizeRequest) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	if err := c.do(ctx, "authorize", http.MethodPost, "/v1/payment_authorizations", payload.IdempotencyKey, payload, &out); err != nil {
		return nil, err
	}
	if out.PaymentReference == "" {
		return nil, fmt.Errorf("payment gateway returned an authorization without id")
	}
	return &out, nil
}

// Refund returns captured funds to the payer.
func (c *Client) Refund(ctx context.Context, payload RefundRequest) (*RefundResponse, error) {
	var out RefundResponse
	if err := c.do(ctx, "refund", http.MethodPost, "/v1/refunds", payload.IdempotencyKey, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VoidAuthorization cancels an authorization that was never captured.
func (c *Client) VoidAuthorization(ctx context.Context, paymentReference string) error {
	path := "/v1/payment_authorizations/" + url.PathEscape(paymentReference) + "/void"
	return c.do(ctx, "void", http.MethodPost, path, "void-"+paymentReference, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, payload, out interface{}) error {
	if c.BaseURL == "" {
		return fmt.Errorf("payment gateway base URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

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
			log.Printf("level=warn component=payment_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=payment_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Body.Code, errResp.Body.Message)
		}
		return errResp
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
