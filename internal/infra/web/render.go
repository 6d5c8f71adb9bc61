package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrOverRefund):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrBadSignature),
		errors.Is(err, domain.ErrNoExternalRef):
		return http.StatusBadRequest
	case domain.IsRetryableGateway(err):
		return http.StatusBadGateway
	case domain.IsTerminalGateway(err):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

type paymentResponse struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	PlanID         *string    `json:"planId,omitempty"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Method         string     `json:"method"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	ExternalRef    string     `json:"externalReference,omitempty"`
	RefundedAmount int64      `json:"refundedAmount"`
	FailureReason  *string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		OwnerID:        p.UserID,
		PlanID:         p.PlanID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         string(p.Method),
		Type:           string(p.Type),
		Status:         string(p.Status),
		ExternalRef:    p.ExternalRef,
		RefundedAmount: p.RefundedAmount,
		FailureReason:  p.FailureReason,
		CreatedAt:      p.CreatedAt,
		ConfirmedAt:    p.ConfirmedAt,
		CancelledAt:    p.CancelledAt,
	}
}
