package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
)

// SignatureHeader carries the card provider's webhook signature in the
// form "t=<unix>,v1=<hex hmac-sha256>".
const cardSignatureHeader = "Card-Signature"

// cardSignatureTolerance bounds how old a signed webhook may be.
const cardSignatureTolerance = 5 * time.Minute

// CardGateway implements adapter.PaymentGateway for the card provider
// using direct HTTP calls. The provider is two-phase: intents are
// authorized first and captured explicitly.
type CardGateway struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        *http.Client
	now           func() time.Time
}

// Compile-time check
var _ adapter.PaymentGateway = (*CardGateway)(nil)

func NewCardGateway(cfg Config) *CardGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = "https://api.sandbox.cardpay.example.com"
		} else {
			baseURL = "https://api.cardpay.example.com"
		}
	}
	return &CardGateway{
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{Timeout: gatewayTimeout},
		now:           time.Now,
	}
}

func (g *CardGateway) Name() model.PaymentMethod { return model.PaymentMethodCardGateway }

type cardIntentResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	ClientSecret string            `json:"client_secret"`
	Metadata     map[string]string `json:"metadata"`
	Error        *cardError        `json:"error"`
}

type cardRefundResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Error  *cardError `json:"error"`
}

type cardError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *CardGateway) CreateIntent(ctx context.Context, amount int64, currency string, meta map[string]string) (*adapter.Intent, error) {
	body := map[string]interface{}{
		"amount":         amount,
		"currency":       strings.ToLower(currency),
		"capture_method": "manual",
		"metadata":       meta,
	}
	raw, resp, err := g.post(ctx, "/v1/payment_intents", body)
	if err != nil {
		return nil, err
	}
	return &adapter.Intent{
		ExternalID:   resp.ID,
		ClientSecret: resp.ClientSecret,
		Raw:          raw,
	}, nil
}

func (g *CardGateway) RetrieveStatus(ctx context.Context, externalID string) (adapter.CanonicalStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payment_intents/"+externalID, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req, "")

	raw, code, err := g.do(req)
	if err != nil {
		return "", err
	}
	var resp cardIntentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unmarshal intent: %w, body: %s", err, string(raw))
	}
	if code >= 400 {
		return "", g.apiError(code, resp.Error)
	}

	switch resp.Status {
	case "succeeded", "requires_capture":
		return adapter.StatusSucceeded, nil
	case "canceled", "failed":
		return adapter.StatusFailed, nil
	case "processing":
		return adapter.StatusPending, nil
	default: // requires_action, requires_payment_method, requires_confirmation
		return adapter.StatusRequiresAction, nil
	}
}

func (g *CardGateway) Capture(ctx context.Context, externalID string) error {
	_, resp, err := g.post(ctx, "/v1/payment_intents/"+externalID+"/capture", map[string]interface{}{})
	if err != nil {
		var ge *domain.GatewayError
		// An intent captured by a concurrent confirm is fine.
		if asGatewayError(err, &ge) && ge.Code == "intent_already_captured" {
			return nil
		}
		return err
	}
	_ = resp
	return nil
}

func (g *CardGateway) Refund(ctx context.Context, externalID string, amount int64, reason string) (string, error) {
	body := map[string]interface{}{
		"payment_intent": externalID,
		"amount":         amount,
	}
	if reason != "" {
		body["reason"] = reason
	}
	req, err := g.newJSONRequest(ctx, http.MethodPost, "/v1/refunds", body)
	if err != nil {
		return "", err
	}
	// A fresh idempotency key per refund attempt; the provider dedupes on it.
	req.Header.Set("Idempotency-Key", ulid.Make().String())

	raw, code, err := g.do(req)
	if err != nil {
		return "", err
	}
	var resp cardRefundResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unmarshal refund: %w, body: %s", err, string(raw))
	}
	if code >= 400 {
		return "", g.apiError(code, resp.Error)
	}
	return resp.ID, nil
}

func (g *CardGateway) CancelIntent(ctx context.Context, externalID string) error {
	_, _, err := g.post(ctx, "/v1/payment_intents/"+externalID+"/cancel", map[string]interface{}{})
	return err
}

// VerifyWebhookSignature checks "t=<unix>,v1=<hex>" against
// HMAC-SHA256(secret, "<t>.<payload>"). Malformed input returns false,
// never panics; comparison is constant-time.
func (g *CardGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	header := headers.Get(cardSignatureHeader)
	if header == "" || g.webhookSecret == "" {
		return false
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > cardSignatureTolerance || age < -cardSignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string            `json:"id"`
			Metadata         map[string]string `json:"metadata"`
			LastPaymentError *cardError        `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func (g *CardGateway) ParseWebhookEvent(payload []byte) (adapter.WebhookEvent, error) {
	var ev cardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return adapter.WebhookEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}

	out := adapter.WebhookEvent{
		ExternalID: ev.Data.Object.ID,
		PaymentID:  ev.Data.Object.Metadata["payment_id"],
		Raw:        json.RawMessage(payload),
	}
	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		out.Type = adapter.EventPaymentSucceeded
	case "payment_intent.payment_failed":
		out.Type = adapter.EventPaymentFailed
		if ev.Data.Object.LastPaymentError != nil {
			out.Reason = ev.Data.Object.LastPaymentError.Message
		}
	case "payment_intent.canceled":
		out.Type = adapter.EventPaymentCancelled
	default:
		out.Type = adapter.EventUnhandled
	}
	return out, nil
}

// --- HTTP plumbing ---

func (g *CardGateway) newJSONRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req, "application/json")
	return req, nil
}

func (g *CardGateway) setHeaders(req *http.Request, contentType string) {
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func (g *CardGateway) post(ctx context.Context, path string, body interface{}) ([]byte, *cardIntentResponse, error) {
	req, err := g.newJSONRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, nil, err
	}
	raw, code, err := g.do(req)
	if err != nil {
		return nil, nil, err
	}
	var resp cardIntentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w, body: %s", err, string(raw))
	}
	if code >= 400 {
		return nil, nil, g.apiError(code, resp.Error)
	}
	return raw, &resp, nil
}

func (g *CardGateway) do(req *http.Request) ([]byte, int, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient: the payment must
		// stay pending and confirmation retried later.
		return nil, 0, &domain.GatewayError{Provider: string(g.Name()), Code: "transport", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &domain.GatewayError{Provider: string(g.Name()), Code: "read_body", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode >= 500 {
		return nil, 0, &domain.GatewayError{Provider: string(g.Name()), Code: "server_error", Message: fmt.Sprintf("http %d: %s", resp.StatusCode, string(raw)), Retryable: true}
	}
	return raw, resp.StatusCode, nil
}

func (g *CardGateway) apiError(code int, apiErr *cardError) error {
	ge := &domain.GatewayError{Provider: string(g.Name()), Code: fmt.Sprintf("http_%d", code), Message: "request rejected", Retryable: false}
	if apiErr != nil {
		ge.Code = apiErr.Code
		ge.Message = apiErr.Message
	}
	return ge
}
