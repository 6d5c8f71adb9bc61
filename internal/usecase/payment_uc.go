package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
	"billing-engine/internal/domain/ports/repository"
	"billing-engine/internal/infra/logging"
	"billing-engine/internal/infra/metrics"
)

// Outcome is the tri-state result of a state-changing operation, so callers
// (including the webhook ingestor) can tell a success-no-op from a true
// failure without inspecting errors.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeAlreadyApplied
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	default:
		return "rejected"
	}
}

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

type CreatePaymentInput struct {
	UserID   string
	PlanID   *string
	Amount   int64
	Currency string
	Method   model.PaymentMethod
	Type     model.PaymentType
	Meta     map[string]string
}

type CreateIntentInput struct {
	UserID     string
	PlanID     *string
	Amount     int64 // ignored when PlanID is set; plan price wins
	Currency   string
	Method     model.PaymentMethod
	Type       model.PaymentType
	SuccessURL string
	CancelURL  string
	Meta       map[string]string
}

type PaymentUseCase interface {
	// Create inserts a pending payment record. No gateway call.
	Create(ctx context.Context, in CreatePaymentInput) (*model.Payment, error)
	// CreateIntent creates the payment, then the provider-side intent. On
	// adapter failure the payment is marked failed and the error re-raised.
	CreateIntent(ctx context.Context, in CreateIntentInput) (*model.Payment, *adapter.Intent, error)
	// Confirm is idempotent: a non-pending payment is returned unchanged.
	Confirm(ctx context.Context, paymentID string) (*model.Payment, Outcome, error)
	// Cancel is only legal from pending.
	Cancel(ctx context.Context, paymentID string) (*model.Payment, Outcome, error)
	// Refund is only legal from completed; amount 0 means the remaining
	// unrefunded balance.
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, Outcome, error)

	GetByID(ctx context.Context, id string) (*model.Payment, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Payment, error)
	RevenueByPeriod(ctx context.Context, period string) (int64, error)
}

type paymentUC struct {
	payments repository.PaymentRepository
	plans    repository.PlanRepository
	users    repository.UserRepository
	gateways adapter.GatewayRegistry
	subs     SubscriptionUseCase
	log      *zerolog.Logger
}

func NewPaymentUseCase(
	payments repository.PaymentRepository,
	plans repository.PlanRepository,
	users repository.UserRepository,
	gateways adapter.GatewayRegistry,
	subs SubscriptionUseCase,
	logger *zerolog.Logger,
) *paymentUC {
	return &paymentUC{payments: payments, plans: plans, users: users, gateways: gateways, subs: subs, log: logger}
}

func (u *paymentUC) Create(ctx context.Context, in CreatePaymentInput) (*model.Payment, error) {
	if in.UserID == "" || in.Amount <= 0 || len(in.Currency) != 3 {
		return nil, domain.ErrInvalidArgument
	}
	if in.Type != model.PaymentTypeOneTime && in.Type != model.PaymentTypeSubscription {
		return nil, domain.ErrInvalidArgument
	}
	if in.Type == model.PaymentTypeSubscription && in.PlanID == nil {
		return nil, domain.ErrInvalidArgument
	}
	if _, err := u.gateways.Get(in.Method); err != nil {
		return nil, domain.ErrInvalidArgument
	}
	if _, err := u.users.FindByID(ctx, nil, in.UserID); err != nil {
		return nil, err
	}
	if in.PlanID != nil {
		if _, err := u.plans.FindByID(ctx, nil, *in.PlanID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	p := &model.Payment{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		PlanID:    in.PlanID,
		Amount:    in.Amount,
		Currency:  strings.ToUpper(in.Currency),
		Method:    in.Method,
		Type:      in.Type,
		Status:    model.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.payments.Save(ctx, nil, p); err != nil {
		return nil, err
	}
	metrics.IncPayment("pending")
	return p, nil
}

func (u *paymentUC) CreateIntent(ctx context.Context, in CreateIntentInput) (*model.Payment, *adapter.Intent, error) {
	amount, currency := in.Amount, in.Currency
	if in.PlanID != nil {
		plan, err := u.plans.FindByID(ctx, nil, *in.PlanID)
		if err != nil {
			return nil, nil, err
		}
		amount, currency = plan.PriceMinor, plan.Currency
	}

	p, err := u.Create(ctx, CreatePaymentInput{
		UserID:   in.UserID,
		PlanID:   in.PlanID,
		Amount:   amount,
		Currency: currency,
		Method:   in.Method,
		Type:     in.Type,
		Meta:     in.Meta,
	})
	if err != nil {
		return nil, nil, err
	}

	gw, err := u.gateways.Get(in.Method)
	if err != nil {
		return nil, nil, err
	}

	meta := map[string]string{"payment_id": p.ID, "user_id": p.UserID}
	if in.SuccessURL != "" {
		meta["success_url"] = in.SuccessURL
	}
	if in.CancelURL != "" {
		meta["cancel_url"] = in.CancelURL
	}
	for k, v := range in.Meta {
		meta[k] = v
	}

	intent, err := gw.CreateIntent(ctx, amount, currency, meta)
	if err != nil {
		reason := err.Error()
		now := time.Now()
		if _, markErr := u.payments.MarkIfPending(ctx, nil, p.ID, model.PaymentStatusFailed, &reason, now); markErr != nil {
			u.log.Error().Err(markErr).Str("payment_id", p.ID).Msg("mark failed after intent error")
		}
		metrics.IncPayment("failed")
		return nil, nil, err
	}

	if err := u.payments.SetExternalRef(ctx, nil, p.ID, intent.ExternalID, intent.Raw); err != nil {
		return nil, nil, err
	}
	p.ExternalRef = intent.ExternalID
	p.GatewaySnapshot = intent.Raw
	u.log.Info().Str("payment_id", p.ID).Str("external_ref", intent.ExternalID).Str("method", string(in.Method)).Msg("payment intent created")
	return p, intent, nil
}

func (u *paymentUC) Confirm(ctx context.Context, paymentID string) (*model.Payment, Outcome, error) {
	defer logging.TraceDuration(logging.With(ctx, u.log), "PaymentUC.Confirm")()

	p, err := u.payments.FindByID(ctx, nil, paymentID)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	if p.Status != model.PaymentStatusPending {
		// No-op re-entry. Re-ensuring the grant covers a crash between the
		// payment transition and the subscription write; the lifecycle
		// manager no-ops when this payment already granted.
		if p.Status == model.PaymentStatusCompleted && p.Type == model.PaymentTypeSubscription {
			if _, err := u.subs.GrantForPayment(ctx, p); err != nil {
				return p, OutcomeAlreadyApplied, err
			}
		}
		return p, OutcomeAlreadyApplied, nil
	}
	if p.ExternalRef == "" {
		return p, OutcomeRejected, domain.ErrNoExternalRef
	}

	gw, err := u.gateways.Get(p.Method)
	if err != nil {
		return p, OutcomeRejected, err
	}

	status, err := gw.RetrieveStatus(ctx, p.ExternalRef)
	if err != nil {
		// A status query failure never fails the payment; it stays pending
		// for a later confirm attempt.
		return p, OutcomeRejected, err
	}

	switch status {
	case adapter.StatusSucceeded:
		return u.settle(ctx, gw, p)
	case adapter.StatusFailed:
		return u.fail(ctx, p, "declined by gateway")
	default: // pending, requires-action
		return p, OutcomeRejected, domain.ErrAwaitingGateway
	}
}

func (u *paymentUC) settle(ctx context.Context, gw adapter.PaymentGateway, p *model.Payment) (*model.Payment, Outcome, error) {
	if err := gw.Capture(ctx, p.ExternalRef); err != nil {
		if domain.IsTerminalGateway(err) {
			return u.fail(ctx, p, err.Error())
		}
		return p, OutcomeRejected, err
	}

	now := time.Now()
	applied, err := u.payments.MarkIfPending(ctx, nil, p.ID, model.PaymentStatusCompleted, nil, now)
	if err != nil {
		return p, OutcomeRejected, err
	}
	if !applied {
		// A concurrent confirm won the race; report theirs.
		cur, err := u.payments.FindByID(ctx, nil, p.ID)
		if err != nil {
			return nil, OutcomeRejected, err
		}
		return cur, OutcomeAlreadyApplied, nil
	}

	p.Status = model.PaymentStatusCompleted
	p.ConfirmedAt = &now
	p.UpdatedAt = now
	metrics.IncPayment("completed")
	metrics.AddPaymentRevenue(p.Currency, p.Amount)
	u.log.Info().Str("payment_id", p.ID).Str("external_ref", p.ExternalRef).Msg("payment completed")

	if p.Type == model.PaymentTypeSubscription {
		if _, err := u.subs.GrantForPayment(ctx, p); err != nil {
			// Payment is settled; entitlement follows on the retried
			// confirm (webhook redelivery or reconciler).
			u.log.Error().Err(err).Str("payment_id", p.ID).Msg("subscription grant failed")
			return p, OutcomeApplied, err
		}
	}
	return p, OutcomeApplied, nil
}

func (u *paymentUC) fail(ctx context.Context, p *model.Payment, reason string) (*model.Payment, Outcome, error) {
	now := time.Now()
	applied, err := u.payments.MarkIfPending(ctx, nil, p.ID, model.PaymentStatusFailed, &reason, now)
	if err != nil {
		return p, OutcomeRejected, err
	}
	if !applied {
		cur, err := u.payments.FindByID(ctx, nil, p.ID)
		if err != nil {
			return nil, OutcomeRejected, err
		}
		return cur, OutcomeAlreadyApplied, nil
	}
	p.Status = model.PaymentStatusFailed
	p.FailureReason = &reason
	p.UpdatedAt = now
	metrics.IncPayment("failed")
	u.log.Info().Str("payment_id", p.ID).Str("reason", reason).Msg("payment failed")
	return p, OutcomeApplied, nil
}

func (u *paymentUC) Cancel(ctx context.Context, paymentID string) (*model.Payment, Outcome, error) {
	p, err := u.payments.FindByID(ctx, nil, paymentID)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	if p.Status == model.PaymentStatusCancelled {
		return p, OutcomeAlreadyApplied, nil
	}
	if !p.CanTransitionTo(model.PaymentStatusCancelled) {
		return p, OutcomeRejected, domain.ErrConflict
	}

	now := time.Now()
	applied, err := u.payments.MarkIfPending(ctx, nil, p.ID, model.PaymentStatusCancelled, nil, now)
	if err != nil {
		return p, OutcomeRejected, err
	}
	if !applied {
		cur, err := u.payments.FindByID(ctx, nil, p.ID)
		if err != nil {
			return nil, OutcomeRejected, err
		}
		if cur.Status == model.PaymentStatusCancelled {
			return cur, OutcomeAlreadyApplied, nil
		}
		return cur, OutcomeRejected, domain.ErrConflict
	}
	p.Status = model.PaymentStatusCancelled
	p.CancelledAt = &now
	p.UpdatedAt = now
	metrics.IncPayment("cancelled")

	// Best-effort gateway-side cancel; the record is authoritative.
	if p.ExternalRef != "" {
		if gw, err := u.gateways.Get(p.Method); err == nil {
			if err := gw.CancelIntent(ctx, p.ExternalRef); err != nil {
				u.log.Warn().Err(err).Str("payment_id", p.ID).Msg("gateway cancel failed")
			}
		}
	}
	return p, OutcomeApplied, nil
}

func (u *paymentUC) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, Outcome, error) {
	p, err := u.payments.FindByID(ctx, nil, paymentID)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	if !p.CanTransitionTo(model.PaymentStatusRefunded) {
		return p, OutcomeRejected, domain.ErrConflict
	}
	if p.ExternalRef == "" {
		return p, OutcomeRejected, domain.ErrNoExternalRef
	}
	if amount == 0 {
		amount = p.RefundableAmount()
	}
	if amount <= 0 {
		return p, OutcomeRejected, domain.ErrInvalidArgument
	}
	if amount > p.RefundableAmount() {
		return p, OutcomeRejected, domain.ErrOverRefund
	}

	gw, err := u.gateways.Get(p.Method)
	if err != nil {
		return p, OutcomeRejected, err
	}
	refundID, err := gw.Refund(ctx, p.ExternalRef, amount, reason)
	if err != nil {
		return p, OutcomeRejected, err
	}

	updated, applied, err := u.payments.ApplyRefund(ctx, nil, p.ID, amount, refundID)
	if err != nil {
		return p, OutcomeRejected, err
	}
	if !applied {
		// A concurrent refund consumed the balance between our validation
		// and the conditional update.
		cur, err := u.payments.FindByID(ctx, nil, p.ID)
		if err != nil {
			return nil, OutcomeRejected, err
		}
		return cur, OutcomeRejected, domain.ErrConflict
	}
	metrics.IncRefund(string(p.Method))
	if updated.Status == model.PaymentStatusRefunded {
		metrics.IncPayment("refunded")
	}
	u.log.Info().Str("payment_id", p.ID).Int64("amount", amount).Str("refund_id", refundID).Msg("refund issued")
	return updated, OutcomeApplied, nil
}

func (u *paymentUC) GetByID(ctx context.Context, id string) (*model.Payment, error) {
	return u.payments.FindByID(ctx, nil, id)
}

func (u *paymentUC) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return u.payments.ListByUser(ctx, nil, userID, limit, offset)
}

func (u *paymentUC) RevenueByPeriod(ctx context.Context, period string) (int64, error) {
	switch period {
	case "day", "month", "year":
	default:
		return 0, domain.ErrInvalidArgument
	}
	return u.payments.SumByPeriod(ctx, nil, period)
}

// IsNoop reports whether err represents an idempotent re-entry rather than a
// true failure.
func IsNoop(err error) bool {
	return err == nil || errors.Is(err, domain.ErrAwaitingGateway)
}
