package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"billing-engine/internal/domain/model"
)

// CanonicalStatus is the provider-agnostic status of a payment intent.
type CanonicalStatus string

const (
	StatusSucceeded      CanonicalStatus = "succeeded"
	StatusFailed         CanonicalStatus = "failed"
	StatusPending        CanonicalStatus = "pending"
	StatusRequiresAction CanonicalStatus = "requires-action"
)

// EventType is the canonical type of a gateway webhook event.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentCancelled EventType = "payment.cancelled"
	// EventUnhandled is produced for provider event types we do not act on.
	// Parsing never fails on unknown types.
	EventUnhandled EventType = "unhandled"
)

// Intent is the provider-side object representing an in-progress attempt
// to collect funds. Exactly one of ClientSecret / ApprovalURL is set,
// depending on how the provider drives the client.
type Intent struct {
	ExternalID   string
	ClientSecret string // card-style providers: secret the client confirms with
	ApprovalURL  string // wallet-style providers: redirect URL for approval
	Raw          []byte // raw provider response, persisted as snapshot
}

// WebhookEvent is the canonical representation of a provider callback.
type WebhookEvent struct {
	Type       EventType
	ExternalID string // provider intent/order id
	PaymentID  string // our payment id, carried in provider metadata; may be empty
	Reason     string // provider failure reason, if any
	Raw        json.RawMessage
}

// PaymentGateway is the hex port for payment providers. One implementation
// per provider; selection happens through the registry keyed by
// model.PaymentMethod, never by branching on the method inline.
type PaymentGateway interface {
	Name() model.PaymentMethod

	// CreateIntent initiates a payment on the provider side.
	CreateIntent(ctx context.Context, amount int64, currency string, meta map[string]string) (*Intent, error)
	// RetrieveStatus maps the provider's current view to a canonical status.
	RetrieveStatus(ctx context.Context, externalID string) (CanonicalStatus, error)
	// Capture finalizes a two-phase (authorize/capture) payment. One-phase
	// providers return nil without a provider call.
	Capture(ctx context.Context, externalID string) error
	// Refund returns the provider refund id. Providers reject amounts above
	// the remaining capturable balance.
	Refund(ctx context.Context, externalID string, amount int64, reason string) (refundID string, err error)
	// CancelIntent is the best-effort cancellation of an unsettled intent.
	CancelIntent(ctx context.Context, externalID string) error

	// VerifyWebhookSignature must use constant-time comparison and never
	// panic on malformed input; it only returns false.
	VerifyWebhookSignature(payload []byte, headers http.Header) bool
	// ParseWebhookEvent maps a raw payload to a canonical event. Unknown
	// provider event types parse to EventUnhandled.
	ParseWebhookEvent(payload []byte) (WebhookEvent, error)
}

// GatewayRegistry resolves the gateway for a payment method.
type GatewayRegistry interface {
	Get(method model.PaymentMethod) (PaymentGateway, error)
}
