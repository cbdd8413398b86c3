package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Field   string            `json:"field,omitempty"`
	Status  string            `json:"status,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// conditionNotMetResponse tells the payee which release condition failed.
type conditionNotMetResponse struct {
	Error            string   `json:"error"`
	Condition        string   `json:"condition"`
	RemainingSeconds *int64   `json:"remaining_seconds,omitempty"`
	ReleaseNotBefore string   `json:"release_not_before,omitempty"`
	YourDistanceM    *int64   `json:"your_distance_m,omitempty"`
	RequiredRadiusM  *float64 `json:"required_radius_m,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// ValidationHelper wraps the struct validator used on request bodies.
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{validator: validator.New()}
}

func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: "Invalid request body"}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		resp.Details = make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			resp.Details[fe.Field()] = fmt.Sprintf("failed on '%s' rule", fe.Tag())
		}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// writeEngineError maps engine and store errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, endpoint string, err error) {
	var (
		validationErr *domain.ValidationError
		authErr       *domain.AuthorizationError
		conflictErr   *domain.StateConflictError
		conditionErr  *domain.ConditionNotMetError
		limitedErr    *domain.RateLimitedError
		upstreamErr   *domain.UpstreamError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationErr.Message, Field: validationErr.Field})
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, authErr.Error())
	case errors.Is(err, store.ErrTransferNotFound):
		writeError(w, http.StatusNotFound, "Transfer not found")
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflictErr.Error(), Status: string(conflictErr.Actual)})
	case errors.As(err, &conditionErr):
		resp := conditionNotMetResponse{
			Error:            conditionErr.Error(),
			Condition:        conditionErr.Condition,
			ReleaseNotBefore: conditionErr.ReleaseNotBefore,
			YourDistanceM:    conditionErr.DistanceMeters,
			RequiredRadiusM:  conditionErr.RequiredRadius,
		}
		if conditionErr.Condition == domain.ConditionTimeLock {
			remaining := conditionErr.RemainingSeconds
			resp.RemainingSeconds = &remaining
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &limitedErr):
		w.Header().Set("Retry-After", strconv.Itoa(limitedErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many release attempts. Please wait and try again.")
	case errors.As(err, &upstreamErr):
		status := http.StatusBadGateway
		switch {
		case upstreamErr.Code == domain.UpstreamCodeDestinationNotConfigured:
			status = http.StatusFailedDependency
		case upstreamErr.Transient:
			status = http.StatusServiceUnavailable
		}
		log.Printf("level=warn component=api endpoint=%s outcome=upstream_failure service=%s code=%s transient=%t", endpoint, upstreamErr.Service, upstreamErr.Code, upstreamErr.Transient)
		writeJSON(w, status, errorResponse{Error: upstreamMessage(upstreamErr), Code: upstreamErr.Code})
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func upstreamMessage(err *domain.UpstreamError) string {
	switch err.Code {
	case domain.UpstreamCodeDestinationNotConfigured:
		return "The payee has not finished setting up payouts."
	case domain.UpstreamCodeInsufficientFunds:
		return "The platform balance cannot cover this settlement right now."
	case domain.UpstreamCodeUnresolvedDestination:
		return "The payee's payout destination could not be resolved."
	}
	if err.Transient {
		return "A payment provider is temporarily unavailable. Please retry."
	}
	return "The payment provider rejected the request."
}
