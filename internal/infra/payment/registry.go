package payment

import (
	"errors"
	"fmt"
	"time"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
)

// gatewayTimeout bounds every provider call. A timeout surfaces as a
// retryable GatewayError and never fails the payment.
const gatewayTimeout = 30 * time.Second

// Config is the per-provider configuration shared by gateway constructors.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Sandbox       bool
}

// Registry selects the gateway for a payment method, replacing scattered
// per-provider conditionals.
type Registry struct {
	byMethod map[model.PaymentMethod]adapter.PaymentGateway
}

// Compile-time check
var _ adapter.GatewayRegistry = (*Registry)(nil)

func NewRegistry(gateways ...adapter.PaymentGateway) *Registry {
	r := &Registry{byMethod: make(map[model.PaymentMethod]adapter.PaymentGateway, len(gateways))}
	for _, gw := range gateways {
		r.byMethod[gw.Name()] = gw
	}
	return r
}

func (r *Registry) Get(method model.PaymentMethod) (adapter.PaymentGateway, error) {
	gw, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported payment method %q", domain.ErrInvalidArgument, method)
	}
	return gw, nil
}

func asGatewayError(err error, target **domain.GatewayError) bool {
	return errors.As(err, target)
}
