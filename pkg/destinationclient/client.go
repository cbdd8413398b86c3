/**
 * @description
 * Client for the payee directory that maps a payee to its payout destination.
 */
package destinationclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDestinationNotFound is returned when the payee has no active destination.
var ErrDestinationNotFound = errors.New("payee destination not found")

// Destination is a payee's payout account at the ledger.
type Destination struct {
	DestinationRef string `json:"destination_ref"`
	PayeeID        string `json:"payee_id"`
	PayeeEmail     string `json:"payee_email"`
	Active         bool   `json:"active"`
}

// Client is a client for the payee directory.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new directory client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether a directory URL was provided.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Resolve finds the active destination for a payee id or email.
func (c *Client) Resolve(ctx context.Context, payeeID, email string) (*Destination, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("destination service base URL is not configured")
	}

	query := url.Values{}
	if payeeID != "" {
		query.Set("payee_id", payeeID)
	}
	if email != "" {
		query.Set("email", strings.ToLower(email))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/destinations?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to destination service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDestinationNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("destination service returned error status %d", resp.StatusCode)
	}

	var destination Destination
	if err := json.NewDecoder(resp.Body).Decode(&destination); err != nil {
		return nil, fmt.Errorf("failed to decode destination response: %w", err)
	}
	if destination.DestinationRef == "" || !destination.Active {
		return nil, ErrDestinationNotFound
	}
	return &destination, nil
}
