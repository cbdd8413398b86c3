package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseGatewayEvent_Variants(t *testing.T) {
	captured, err := ParseGatewayEvent([]byte(`{"id":"evt_1","type":"payment.captured","data":{"payment_reference":"pi_1","amount_minor_units":10000}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := captured.(CapturedEvent)
	if !ok {
		t.Fatalf("expected CapturedEvent, got %T", captured)
	}
	if c.PaymentReference != "pi_1" || c.AmountMinorUnits != 10000 || c.EventID() != "evt_1" {
		t.Fatalf("unexpected captured event: %+v", c)
	}

	failed, err := ParseGatewayEvent([]byte(`{"id":"evt_2","type":"PAYMENT.CAPTURE_FAILED","data":{"payment_reference":"pi_2","reason":"card_declined"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, ok := failed.(CaptureFailedEvent); !ok || f.Reason != "card_declined" {
		t.Fatalf("unexpected capture failed event: %#v", failed)
	}

	activated, err := ParseGatewayEvent([]byte(`{"id":"evt_3","type":"payee.activated","data":{"destination_ref":"acct_9","payee_email":"Payee@Example.com","charges_enabled":true,"payouts_enabled":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, ok := activated.(PayeeActivatedEvent)
	if !ok {
		t.Fatalf("expected PayeeActivatedEvent, got %T", activated)
	}
	if a.PayeeEmail != "payee@example.com" || !a.Activated() {
		t.Fatalf("unexpected payee event: %+v", a)
	}
}

func TestParseGatewayEvent_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "unknown kind", body: `{"id":"evt","type":"charge.refunded","data":{}}`, want: ErrUnknownEventKind},
		{name: "missing id", body: `{"type":"payment.captured","data":{"payment_reference":"pi"}}`, want: ErrMissingEventID},
		{name: "missing reference", body: `{"id":"evt","type":"payment.captured","data":{}}`, want: ErrMissingReference},
		{name: "missing data", body: `{"id":"evt","type":"payment.captured"}`, want: ErrMalformedEvent},
		{name: "not json", body: `not-json`, want: ErrMalformedEvent},
		{name: "payee without identity", body: `{"id":"evt","type":"payee.activated","data":{"destination_ref":"acct"}}`, want: ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGatewayEvent([]byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIsMalformedEvent(t *testing.T) {
	_, err := ParseGatewayEvent([]byte(`{"id":"evt","type":"payment.captured","data":{}}`))
	if !IsMalformedEvent(err) {
		t.Fatalf("expected a parse rejection to be malformed, got %v", err)
	}
	for _, sentinel := range []error{ErrUnknownEventKind, ErrMalformedEvent, ErrMissingEventID, ErrMissingReference} {
		if !IsMalformedEvent(fmt.Errorf("wrapped: %w", sentinel)) {
			t.Fatalf("expected wrapped %v to be malformed", sentinel)
		}
	}
	if IsMalformedEvent(errors.New("database unavailable")) || IsMalformedEvent(nil) {
		t.Fatal("processing failures must not be treated as malformed events")
	}
}
