/**
 * @description
 * Typed gateway events. Raw webhook and broker payloads are decoded into a closed
 * set of variants at the boundary; anything else is rejected explicitly.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire names of the gateway event kinds.
const (
	EventKindCaptured       = "payment.captured"
	EventKindCaptureFailed  = "payment.capture_failed"
	EventKindPayeeActivated = "payee.activated"
)

var (
	ErrUnknownEventKind = errors.New("unknown gateway event kind")
	ErrMalformedEvent   = errors.New("malformed gateway event")
	ErrMissingEventID   = errors.New("gateway event id is required")
	ErrMissingReference = errors.New("gateway event reference is required")
)

// IsMalformedEvent reports whether err rejects the event itself. Redelivering
// such an event can never succeed.
func IsMalformedEvent(err error) bool {
	return errors.Is(err, ErrUnknownEventKind) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrMissingEventID) ||
		errors.Is(err, ErrMissingReference)
}

// GatewayEvent is one of CapturedEvent, CaptureFailedEvent or PayeeActivatedEvent.
type GatewayEvent interface {
	EventID() string
	Kind() string
	Reference() string
	gatewayEvent()
}

// CapturedEvent confirms the payment gateway captured the payer's funds.
type CapturedEvent struct {
	ID               string
	PaymentReference string
	AmountMinorUnits int64
	OccurredAt       time.Time
}

// CaptureFailedEvent reports that funds could not be captured.
type CaptureFailedEvent struct {
	ID               string
	PaymentReference string
	Reason           string
	OccurredAt       time.Time
}

// PayeeActivatedEvent reports that a payee's payout account can receive funds.
type PayeeActivatedEvent struct {
	ID             string
	DestinationRef string
	PayeeID        string
	PayeeEmail     string
	ChargesEnabled bool
	PayoutsEnabled bool
	OccurredAt     time.Time
}

func (e CapturedEvent) EventID() string   { return e.ID }
func (e CapturedEvent) Kind() string      { return EventKindCaptured }
func (e CapturedEvent) Reference() string { return e.PaymentReference }
func (CapturedEvent) gatewayEvent()       {}

func (e CaptureFailedEvent) EventID() string   { return e.ID }
func (e CaptureFailedEvent) Kind() string      { return EventKindCaptureFailed }
func (e CaptureFailedEvent) Reference() string { return e.PaymentReference }
func (CaptureFailedEvent) gatewayEvent()       {}

func (e PayeeActivatedEvent) EventID() string   { return e.ID }
func (e PayeeActivatedEvent) Kind() string      { return EventKindPayeeActivated }
func (e PayeeActivatedEvent) Reference() string { return e.DestinationRef }
func (PayeeActivatedEvent) gatewayEvent()       {}

// Activated reports whether the account can both accept charges and pay out.
func (e PayeeActivatedEvent) Activated() bool {
	return e.ChargesEnabled && e.PayoutsEnabled
}

// GatewayEventEnvelope is the wire shape shared by the webhook and the broker.
type GatewayEventEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type paymentEventData struct {
	PaymentReference string `json:"payment_reference"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Reason           string `json:"reason"`
}

type payeeEventData struct {
	DestinationRef string `json:"destination_ref"`
	PayeeID        string `json:"payee_id"`
	PayeeEmail     string `json:"payee_email"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

// ParseGatewayEvent decodes a raw payload into a typed event.
func ParseGatewayEvent(body []byte) (GatewayEvent, error) {
	var envelope GatewayEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	id := strings.TrimSpace(envelope.ID)
	if id == "" {
		return nil, ErrMissingEventID
	}
	occurredAt := time.Now().UTC()
	if envelope.OccurredAt != nil {
		occurredAt = envelope.OccurredAt.UTC()
	}

	kind := strings.ToLower(strings.TrimSpace(envelope.Type))
	switch kind {
	case EventKindCaptured, EventKindCaptureFailed:
		var data paymentEventData
		if err := decodeEventData(envelope.Data, &data); err != nil {
			return nil, err
		}
		ref := strings.TrimSpace(data.PaymentReference)
		if ref == "" {
			return nil, ErrMissingReference
		}
		if kind == EventKindCaptured {
			return CapturedEvent{ID: id, PaymentReference: ref, AmountMinorUnits: data.AmountMinorUnits, OccurredAt: occurredAt}, nil
		}
		return CaptureFailedEvent{ID: id, PaymentReference: ref, Reason: strings.TrimSpace(data.Reason), OccurredAt: occurredAt}, nil
	case EventKindPayeeActivated:
		var data payeeEventData
		if err := decodeEventData(envelope.Data, &data); err != nil {
			return nil, err
		}
		ref := strings.TrimSpace(data.DestinationRef)
		if ref == "" {
			return nil, ErrMissingReference
		}
		email := strings.ToLower(strings.TrimSpace(data.PayeeEmail))
		payeeID := strings.TrimSpace(data.PayeeID)
		if email == "" && payeeID == "" {
			return nil, fmt.Errorf("%w: payee_id or payee_email is required", ErrMalformedEvent)
		}
		return PayeeActivatedEvent{
			ID:             id,
			DestinationRef: ref,
			PayeeID:        payeeID,
			PayeeEmail:     email,
			ChargesEnabled: data.ChargesEnabled,
			PayoutsEnabled: data.PayoutsEnabled,
			OccurredAt:     occurredAt,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, envelope.Type)
	}
}

func decodeEventData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
