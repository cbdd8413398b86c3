package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/transfa/escrow-service/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// PaymentWebhookHandler verifies and ingests payment gateway events. Only
// signed events can move a transfer to held.
func (h *EscrowHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		log.Println("level=error component=api endpoint=payment_webhook outcome=reject reason=secret_not_configured")
		writeError(w, http.StatusServiceUnavailable, "Webhook verification is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	if !VerifyWebhookSignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		log.Println("level=warn component=api endpoint=payment_webhook outcome=reject reason=invalid_signature")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	outcome, err := h.ingestor.IngestPayload(r.Context(), body)
	if err != nil {
		if domain.IsMalformedEvent(err) {
			log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject err=%v", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=payment_webhook outcome=failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true", "outcome": string(outcome)})
}

// VerifyWebhookSignature compares the hex signature, with or without a
// "sha256=" prefix, against the HMAC-SHA256 of body in constant time.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, ComputeWebhookSignature(secret, body))
}

// ComputeWebhookSignature returns the raw HMAC-SHA256 of body.
func ComputeWebhookSignature(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
