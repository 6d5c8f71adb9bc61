package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/infra/logging"
	"billing-engine/internal/infra/metrics"
	redisinfra "billing-engine/internal/infra/redis"
	"billing-engine/internal/usecase"
)

// maxWebhookBody bounds raw webhook payload size.
const maxWebhookBody = 1 << 20

type Handlers struct {
	payUC     usecase.PaymentUseCase
	subUC     usecase.SubscriptionUseCase
	webhookUC usecase.WebhookUseCase
	limiter   *redisinfra.RateLimiter
	rateLimit int
	rateWin   time.Duration
	log       *zerolog.Logger
}

func NewHandlers(
	payUC usecase.PaymentUseCase,
	subUC usecase.SubscriptionUseCase,
	webhookUC usecase.WebhookUseCase,
	limiter *redisinfra.RateLimiter,
	rateLimit int,
	rateWin time.Duration,
	logger *zerolog.Logger,
) *Handlers {
	return &Handlers{
		payUC:     payUC,
		subUC:     subUC,
		webhookUC: webhookUC,
		limiter:   limiter,
		rateLimit: rateLimit,
		rateWin:   rateWin,
		log:       logger,
	}
}

type createPaymentRequest struct {
	OwnerID  string  `json:"ownerId"`
	PlanID   *string `json:"planId,omitempty"`
	Amount   int64   `json:"amount"`
	Currency string  `json:"currency"`
	Method   string  `json:"method"`
	Type     string  `json:"type"`
}

func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	p, err := h.payUC.Create(logging.WithUserID(r.Context(), req.OwnerID), usecase.CreatePaymentInput{
		UserID:   req.OwnerID,
		PlanID:   req.PlanID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   model.PaymentMethod(req.Method),
		Type:     model.PaymentType(req.Type),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

type createIntentRequest struct {
	OwnerID    string  `json:"ownerId"`
	PlanID     *string `json:"planId,omitempty"`
	Amount     int64   `json:"amount"`
	Currency   string  `json:"currency"`
	Method     string  `json:"method"`
	Type       string  `json:"type"`
	SuccessURL string  `json:"successUrl"`
	CancelURL  string  `json:"cancelUrl"`
}

type createIntentResponse struct {
	Payment      paymentResponse `json:"payment"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	ApprovalURL  string          `json:"approvalUrl,omitempty"`
}

func (h *Handlers) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	p, intent, err := h.payUC.CreateIntent(logging.WithUserID(r.Context(), req.OwnerID), usecase.CreateIntentInput{
		UserID:     req.OwnerID,
		PlanID:     req.PlanID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Method:     model.PaymentMethod(req.Method),
		Type:       model.PaymentType(req.Type),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createIntentResponse{
		Payment:      toPaymentResponse(p),
		ClientSecret: intent.ClientSecret,
		ApprovalURL:  intent.ApprovalURL,
	})
}

type outcomeResponse struct {
	Payment paymentResponse `json:"payment"`
	Outcome string          `json:"outcome"`
}

func (h *Handlers) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	p, outcome, err := h.payUC.Confirm(ctx, id)
	if err != nil && !usecase.IsNoop(err) {
		writeError(w, err)
		return
	}
	// ErrAwaitingGateway is not a failure: the payment simply is not
	// settled yet and the caller should retry later.
	writeJSON(w, http.StatusOK, outcomeResponse{Payment: toPaymentResponse(p), Outcome: outcome.String()})
}

func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, outcome, err := h.payUC.Cancel(logging.WithPaymentID(r.Context(), id), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Payment: toPaymentResponse(p), Outcome: outcome.String()})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req refundRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	p, outcome, err := h.payUC.Refund(logging.WithPaymentID(r.Context(), id), id, req.Amount, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Payment: toPaymentResponse(p), Outcome: outcome.String()})
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payUC.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handlers) ListUserPayments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.payUC.ListByUser(logging.WithUserID(r.Context(), userID), userID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) Revenue(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	total, err := h.payUC.RevenueByPeriod(r.Context(), period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"period": period, "total": total})
}

type subscriptionResponse struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	PlanID             string    `json:"planId"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	CreditsGranted     int64     `json:"creditsGranted"`
	CreditsUsed        int64     `json:"creditsUsed"`
	AutoRenew          bool      `json:"autoRenew"`
}

func toSubscriptionResponse(s *model.UserSubscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 s.ID,
		OwnerID:            s.UserID,
		PlanID:             s.PlanID,
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CreditsGranted:     s.CreditsGranted,
		CreditsUsed:        s.CreditsUsed,
		AutoRenew:          s.AutoRenew,
	}
}

func (h *Handlers) GetActiveSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	planID := chi.URLParam(r, "planID")
	sub, err := h.subUC.GetActiveForUserAndPlan(r.Context(), userID, planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handlers) ListUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.subUC.ListForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSubscriptionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subUC.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// Webhook returns the raw-body ingest handler for one provider. Providers
// redeliver until they see 2xx, so anything already absorbed by idempotency
// is acknowledged rather than errored.
func (h *Handlers) Webhook(method model.PaymentMethod) http.HandlerFunc {
	provider := string(method)
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() { metrics.ObserveWebhookDuration(provider, time.Since(start).Seconds()) }()

		if h.limiter != nil {
			ok, err := h.limiter.Allow(r.Context(), redisinfra.WebhookKey(provider), h.rateLimit, h.rateWin)
			if err != nil {
				h.log.Warn().Err(err).Str("provider", provider).Msg("rate limiter unavailable, allowing request")
			} else if !ok {
				metrics.IncWebhook(provider, "rate_limited")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
			return
		}

		if err := h.webhookUC.Ingest(r.Context(), method, payload, r.Header); err != nil {
			if errors.Is(err, domain.ErrBadSignature) || errors.Is(err, domain.ErrInvalidArgument) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
			// Transient failure: a non-2xx makes the provider redeliver.
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ingest failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
