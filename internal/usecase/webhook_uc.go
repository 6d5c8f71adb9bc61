package usecase

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
	"billing-engine/internal/domain/ports/repository"
	"billing-engine/internal/infra/metrics"
)

// Compile-time check
var _ WebhookUseCase = (*webhookUC)(nil)

// WebhookUseCase ingests at-least-once provider callbacks. Duplicate and
// out-of-order deliveries are absorbed by orchestrator idempotency, not by
// the ingestor itself: two instances behind a load balancer may each see a
// retry of the same event.
type WebhookUseCase interface {
	// Ingest verifies, parses, and dispatches one raw webhook delivery.
	// domain.ErrBadSignature means reject with 400 and no state change;
	// a nil return means the event is acknowledged.
	Ingest(ctx context.Context, method model.PaymentMethod, payload []byte, headers http.Header) error
}

type webhookUC struct {
	gateways adapter.GatewayRegistry
	payments repository.PaymentRepository
	payUC    PaymentUseCase
	log      *zerolog.Logger
}

func NewWebhookUseCase(
	gateways adapter.GatewayRegistry,
	payments repository.PaymentRepository,
	payUC PaymentUseCase,
	logger *zerolog.Logger,
) *webhookUC {
	return &webhookUC{gateways: gateways, payments: payments, payUC: payUC, log: logger}
}

func (u *webhookUC) Ingest(ctx context.Context, method model.PaymentMethod, payload []byte, headers http.Header) error {
	gw, err := u.gateways.Get(method)
	if err != nil {
		return err
	}
	provider := string(method)

	if !gw.VerifyWebhookSignature(payload, headers) {
		metrics.IncWebhook(provider, "bad_signature")
		return domain.ErrBadSignature
	}

	ev, err := gw.ParseWebhookEvent(payload)
	if err != nil {
		metrics.IncWebhook(provider, "bad_payload")
		return domain.ErrInvalidArgument
	}
	if ev.Type == adapter.EventUnhandled {
		metrics.IncWebhook(provider, "unhandled")
		u.log.Debug().Str("provider", provider).Msg("unhandled webhook event acknowledged")
		return nil
	}

	p, err := u.locatePayment(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) {
		// Acknowledge unknown references: erroring here would only feed
		// gateway retry storms for deleted or foreign records.
		metrics.IncWebhook(provider, "unknown_payment")
		u.log.Warn().Str("provider", provider).Str("external_ref", ev.ExternalID).Msg("webhook for unknown payment acknowledged")
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Type {
	case adapter.EventPaymentSucceeded, adapter.EventPaymentFailed:
		// Both route through Confirm: the orchestrator re-queries the
		// gateway and lands on the definitive status.
		_, outcome, err := u.payUC.Confirm(ctx, p.ID)
		if !IsNoop(err) {
			metrics.IncWebhook(provider, "error")
			return err
		}
		metrics.IncWebhook(provider, outcome.String())
	case adapter.EventPaymentCancelled:
		_, outcome, err := u.payUC.Cancel(ctx, p.ID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Already settled or cancelled; a redelivery, ack it.
				metrics.IncWebhook(provider, "already_applied")
				return nil
			}
			metrics.IncWebhook(provider, "error")
			return err
		}
		metrics.IncWebhook(provider, outcome.String())
	}
	return nil
}

func (u *webhookUC) locatePayment(ctx context.Context, ev adapter.WebhookEvent) (*model.Payment, error) {
	if ev.PaymentID != "" {
		return u.payments.FindByID(ctx, nil, ev.PaymentID)
	}
	if ev.ExternalID != "" {
		return u.payments.FindByExternalRef(ctx, nil, ev.ExternalID)
	}
	return nil, domain.ErrNotFound
}
