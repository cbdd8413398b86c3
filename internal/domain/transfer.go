/**
 * @description
 * This file defines the core data structures for the escrow-service. The Transfer
 * entity carries the funds earmarked for a payee together with the release
 * conditions that gate settlement.
 *
 * @notes
 * - All monetary amounts are int64 minor units (cents). Floats are never used for money.
 * - Timestamps are UTC. Optional fields are pointers so NULL columns round-trip.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/geo"
)

// TransferStatus is a state of the escrow state machine.
type TransferStatus string

const (
	StatusCreated  TransferStatus = "created"
	StatusFunding  TransferStatus = "funding"
	StatusHeld     TransferStatus = "held"
	StatusReleased TransferStatus = "released"
	StatusExpired  TransferStatus = "expired"
	StatusFailed   TransferStatus = "failed"
	StatusCanceled TransferStatus = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusExpired, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TransferStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusFunding, StatusHeld, StatusReleased, StatusExpired, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CircleFence is a circular geofence.
type CircleFence struct {
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_m"`
}

// Geofence is either a polygon or a circle, never both.
type Geofence struct {
	Polygon []geo.Point  `json:"polygon,omitempty"`
	Circle  *CircleFence `json:"circle,omitempty"`
}

// Kind returns "polygon", "circle" or "" for an empty fence.
func (g *Geofence) Kind() string {
	switch {
	case g == nil:
		return ""
	case g.Circle != nil:
		return "circle"
	case len(g.Polygon) > 0:
		return "polygon"
	default:
		return ""
	}
}

// Transfer is the escrowed payment from payer to payee.
type Transfer struct {
	ID                    uuid.UUID      `json:"id"`
	PayerID               string         `json:"payer_id"`
	PayerEmail            *string        `json:"payer_email,omitempty"`
	PayeeIdentifier       string         `json:"payee_identifier"`
	PayeeID               *string        `json:"payee_id,omitempty"`
	AmountMinorUnits      int64          `json:"amount_minor_units"`
	Currency              string         `json:"currency"`
	Description           string         `json:"description,omitempty"`
	PlatformFeeMinorUnits *int64         `json:"platform_fee_minor_units,omitempty"`
	ReleaseNotBefore      *time.Time     `json:"release_not_before,omitempty"`
	ExpiresAt             *time.Time     `json:"expires_at,omitempty"`
	Geofence              *Geofence      `json:"geofence,omitempty"`
	Status                TransferStatus `json:"status"`
	PaymentReference      *string        `json:"payment_reference,omitempty"`
	SettlementReference   *string        `json:"settlement_reference,omitempty"`
	FailureReason         *string        `json:"failure_reason,omitempty"`
	SettlementClaimToken  *uuid.UUID     `json:"-"`
	SettlementClaimedAt   *time.Time     `json:"-"`
	CreatedAt             time.Time      `json:"created_at"`
	HeldAt                *time.Time     `json:"held_at,omitempty"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// PayeeEmail returns the payee identifier when it looks like an email.
func (t *Transfer) PayeeEmail() string {
	if strings.Contains(t.PayeeIdentifier, "@") {
		return strings.ToLower(strings.TrimSpace(t.PayeeIdentifier))
	}
	return ""
}

// IsPayee matches the principal by resolved id first, then by case-insensitive email.
func (t *Transfer) IsPayee(p Principal) bool {
	if p.ID != "" {
		if t.PayeeID != nil && *t.PayeeID == p.ID {
			return true
		}
		if t.PayeeIdentifier == p.ID {
			return true
		}
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	return email != "" && email == t.PayeeEmail()
}

// IsPayer reports whether the principal created the transfer.
func (t *Transfer) IsPayer(p Principal) bool {
	return p.ID != "" && p.ID == t.PayerID
}

// Principal is the authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// CreateTransferRequest is the payload accepted by EscrowEngine.Create.
type CreateTransferRequest struct {
	AmountMinorUnits int64      `json:"amount_minor_units" validate:"required,gt=0"`
	Currency         string     `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	PayeeIdentifier  string     `json:"payee" validate:"required,max=320"`
	Description      string     `json:"description,omitempty" validate:"max=500"`
	ReleaseNotBefore *time.Time `json:"release_not_before,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Geofence         *Geofence  `json:"geofence,omitempty"`
}

// CreateTransferResult is returned after the payment gateway authorized funds.
type CreateTransferResult struct {
	Transfer      *Transfer `json:"transfer"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	PlatformFee   int64     `json:"platform_fee_minor_units"`
	NetMinorUnits int64     `json:"net_minor_units"`
}

// ReleaseRequest is a payee's attempt to release a held transfer.
type ReleaseRequest struct {
	TransferID uuid.UUID
	Requester  Principal
	Location   *geo.Point
}

// ReleaseResult reports the settlement of a released transfer.
type ReleaseResult struct {
	TransferID          uuid.UUID      `json:"transfer_id"`
	Status              TransferStatus `json:"status"`
	SettlementReference string         `json:"settlement_reference"`
	AmountTransferred   int64          `json:"amount_transferred_minor_units"`
	PlatformFee         int64          `json:"platform_fee_minor_units"`
	GrossMinorUnits     int64          `json:"gross_minor_units"`
}

// CancelRequest asks for a non-terminal transfer to be canceled.
type CancelRequest struct {
	TransferID uuid.UUID
	Requester  Principal
	Admin      bool
	Reason     string
}

// ExpirySweepResult summarizes one run of the expiry sweep.
type ExpirySweepResult struct {
	Evaluated int `json:"evaluated"`
	Expired   int `json:"expired"`
	Frozen    int `json:"frozen"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// PayeeDestination maps a payee to a settlement destination at the ledger.
type PayeeDestination struct {
	PayeeID        *string   `json:"payee_id,omitempty"`
	PayeeEmail     *string   `json:"payee_email,omitempty"`
	DestinationRef string    `json:"destination_ref"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}
