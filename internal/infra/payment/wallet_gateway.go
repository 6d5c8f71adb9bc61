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
	"strings"

	"github.com/oklog/ulid/v2"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
)

const walletSignatureHeader = "Wallet-Signature"

// WalletGateway implements adapter.PaymentGateway for the wallet provider.
// The provider is one-phase: the user approves an order via a redirect URL
// and funds settle on approval, so Capture is a local no-op.
type WalletGateway struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

// Compile-time check
var _ adapter.PaymentGateway = (*WalletGateway)(nil)

func NewWalletGateway(cfg Config) *WalletGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = "https://api.sandbox.walletpay.example.com"
		} else {
			baseURL = "https://api.walletpay.example.com"
		}
	}
	return &WalletGateway{
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{Timeout: gatewayTimeout},
	}
}

func (g *WalletGateway) Name() model.PaymentMethod { return model.PaymentMethodWalletGateway }

type walletOrderResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approval_url"`
	Message     string `json:"message"`
}

type walletRefundResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (g *WalletGateway) CreateIntent(ctx context.Context, amount int64, currency string, meta map[string]string) (*adapter.Intent, error) {
	body := map[string]interface{}{
		"amount":     amount,
		"currency":   strings.ToUpper(currency),
		"custom_id":  meta["payment_id"],
		"request_id": ulid.Make().String(),
	}
	if v := meta["success_url"]; v != "" {
		body["return_url"] = v
	}
	if v := meta["cancel_url"]; v != "" {
		body["cancel_url"] = v
	}

	raw, resp, err := g.call(ctx, http.MethodPost, "/v2/orders", body)
	if err != nil {
		return nil, err
	}
	return &adapter.Intent{
		ExternalID:  resp.ID,
		ApprovalURL: resp.ApprovalURL,
		Raw:         raw,
	}, nil
}

func (g *WalletGateway) RetrieveStatus(ctx context.Context, externalID string) (adapter.CanonicalStatus, error) {
	_, resp, err := g.call(ctx, http.MethodGet, "/v2/orders/"+externalID, nil)
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case "APPROVED", "COMPLETED":
		return adapter.StatusSucceeded, nil
	case "DECLINED", "VOIDED", "EXPIRED":
		return adapter.StatusFailed, nil
	case "PROCESSING":
		return adapter.StatusPending, nil
	default: // CREATED: awaiting buyer approval
		return adapter.StatusRequiresAction, nil
	}
}

// Capture is a no-op: wallet orders settle when the buyer approves.
func (g *WalletGateway) Capture(ctx context.Context, externalID string) error { return nil }

func (g *WalletGateway) Refund(ctx context.Context, externalID string, amount int64, reason string) (string, error) {
	body := map[string]interface{}{
		"amount":     amount,
		"request_id": ulid.Make().String(),
	}
	if reason != "" {
		body["note"] = reason
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v2/orders/"+externalID+"/refunds", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req)

	raw, code, err := g.do(req)
	if err != nil {
		return "", err
	}
	var resp walletRefundResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unmarshal refund: %w, body: %s", err, string(raw))
	}
	if code >= 400 {
		return "", &domain.GatewayError{Provider: string(g.Name()), Code: fmt.Sprintf("http_%d", code), Message: resp.Message, Retryable: false}
	}
	return resp.ID, nil
}

func (g *WalletGateway) CancelIntent(ctx context.Context, externalID string) error {
	_, _, err := g.call(ctx, http.MethodPost, "/v2/orders/"+externalID+"/void", map[string]interface{}{})
	return err
}

// VerifyWebhookSignature checks a hex HMAC-SHA256 of the raw body.
// Malformed input returns false, never panics; comparison is constant-time.
func (g *WalletGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	sig := headers.Get(walletSignatureHeader)
	if sig == "" || g.webhookSecret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

type walletEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		CustomID string `json:"custom_id"`
		Reason   string `json:"reason"`
	} `json:"resource"`
}

func (g *WalletGateway) ParseWebhookEvent(payload []byte) (adapter.WebhookEvent, error) {
	var ev walletEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return adapter.WebhookEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}

	out := adapter.WebhookEvent{
		ExternalID: ev.Resource.ID,
		PaymentID:  ev.Resource.CustomID,
		Reason:     ev.Resource.Reason,
		Raw:        json.RawMessage(payload),
	}
	switch ev.EventType {
	case "ORDER.COMPLETED", "ORDER.APPROVED":
		out.Type = adapter.EventPaymentSucceeded
	case "ORDER.DECLINED":
		out.Type = adapter.EventPaymentFailed
	case "ORDER.VOIDED":
		out.Type = adapter.EventPaymentCancelled
	default:
		out.Type = adapter.EventUnhandled
	}
	return out, nil
}

// --- HTTP plumbing ---

func (g *WalletGateway) call(ctx context.Context, method, path string, body interface{}) ([]byte, *walletOrderResponse, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req)

	raw, code, err := g.do(req)
	if err != nil {
		return nil, nil, err
	}
	var resp walletOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w, body: %s", err, string(raw))
	}
	if code >= 400 {
		return nil, nil, &domain.GatewayError{Provider: string(g.Name()), Code: fmt.Sprintf("http_%d", code), Message: resp.Message, Retryable: false}
	}
	return raw, &resp, nil
}

func (g *WalletGateway) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (g *WalletGateway) do(req *http.Request) ([]byte, int, error) {
	resp, err := g.client.Do(req)
	if err != nil {
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
