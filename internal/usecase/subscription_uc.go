package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/repository"
	"billing-engine/internal/infra/metrics"
)

// Compile-time check
var _ SubscriptionUseCase = (*subscriptionUC)(nil)

// SubscriptionUseCase owns the subscription state machine. It is invoked as
// a side effect of a subscription-type payment reaching completed; nothing
// else writes UserSubscription rows.
type SubscriptionUseCase interface {
	// GrantForPayment creates or extends the entitlement for a completed
	// subscription payment. Safe against double invocation for the same
	// payment: the second call is a no-op returning the existing row.
	GrantForPayment(ctx context.Context, p *model.Payment) (*model.UserSubscription, error)
	// GetActiveForUserAndPlan returns the active subscription, expiring it
	// lazily when the period has elapsed.
	GetActiveForUserAndPlan(ctx context.Context, userID, planID string) (*model.UserSubscription, error)
	ListForUser(ctx context.Context, userID string) ([]*model.UserSubscription, error)
	Cancel(ctx context.Context, subID string) (*model.UserSubscription, error)
	CountActiveByPlan(ctx context.Context) (map[string]int, error)
}

type subscriptionUC struct {
	subs  repository.SubscriptionRepository
	plans repository.PlanRepository
	tm    repository.TransactionManager
	log   *zerolog.Logger
}

func NewSubscriptionUseCase(
	subs repository.SubscriptionRepository,
	plans repository.PlanRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *subscriptionUC {
	return &subscriptionUC{subs: subs, plans: plans, tm: tm, log: logger}
}

func (uc *subscriptionUC) GrantForPayment(ctx context.Context, p *model.Payment) (*model.UserSubscription, error) {
	if p == nil || p.Type != model.PaymentTypeSubscription || p.PlanID == nil {
		return nil, domain.ErrInvalidArgument
	}
	if p.Status != model.PaymentStatusCompleted {
		return nil, domain.ErrConflict
	}
	plan, err := uc.plans.FindByID(ctx, nil, *p.PlanID)
	if err != nil {
		return nil, err
	}

	var result *model.UserSubscription
	err = uc.tm.WithUserLock(ctx, p.UserID, func(ctx context.Context, tx repository.Tx) error {
		// The grant ledger is the idempotency guard: one row per payment,
		// written in the same transaction as the subscription. A redelivered
		// settlement is a no-op even after later renewals moved the row on.
		granted, err := uc.subs.FindGrantedSubscription(ctx, tx, p.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if granted != nil {
			result = granted
			return nil
		}

		existing, err := uc.subs.FindActiveByUserAndPlan(ctx, tx, p.UserID, plan.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		now := time.Now()
		if existing != nil {
			// Extend by one billing interval from the current period end,
			// or from now when the period already lapsed. creditsUsed is
			// left untouched.
			base := existing.CurrentPeriodEnd
			if now.After(base) {
				existing.CurrentPeriodStart = now
				base = now
			}
			existing.CurrentPeriodEnd = base.Add(plan.BillingInterval())
			existing.CreditsGranted += plan.MonthlyCredits
			existing.Status = model.SubscriptionStatusActive
			existing.LastPaymentID = p.ID
			existing.UpdatedAt = now
			if err := uc.subs.Save(ctx, tx, existing); err != nil {
				return err
			}
			if err := uc.subs.RecordGrant(ctx, tx, p.ID, existing.ID); err != nil {
				return err
			}
			metrics.IncSubscriptionEvent("extended")
			uc.log.Info().Str("subscription_id", existing.ID).Str("payment_id", p.ID).Time("period_end", existing.CurrentPeriodEnd).Msg("subscription extended")
			result = existing
			return nil
		}

		sub, err := model.NewUserSubscription(uuid.NewString(), p.UserID, p.ID, plan)
		if err != nil {
			return err
		}
		if err := uc.subs.Save(ctx, tx, sub); err != nil {
			return err
		}
		if err := uc.subs.RecordGrant(ctx, tx, p.ID, sub.ID); err != nil {
			return err
		}
		metrics.IncSubscriptionEvent("created")
		uc.log.Info().Str("subscription_id", sub.ID).Str("payment_id", p.ID).Str("plan_id", plan.ID).Msg("subscription created")
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (uc *subscriptionUC) GetActiveForUserAndPlan(ctx context.Context, userID, planID string) (*model.UserSubscription, error) {
	sub, err := uc.subs.FindActiveByUserAndPlan(ctx, nil, userID, planID)
	if err != nil {
		return nil, err
	}
	if sub.IsExpired(time.Now()) {
		if err := uc.subs.UpdateStatus(ctx, nil, sub.ID, model.SubscriptionStatusExpired); err != nil {
			return nil, err
		}
		metrics.IncSubscriptionEvent("expired")
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

func (uc *subscriptionUC) ListForUser(ctx context.Context, userID string) ([]*model.UserSubscription, error) {
	return uc.subs.ListByUser(ctx, nil, userID)
}

func (uc *subscriptionUC) Cancel(ctx context.Context, subID string) (*model.UserSubscription, error) {
	sub, err := uc.subs.FindByID(ctx, nil, subID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case model.SubscriptionStatusActive, model.SubscriptionStatusTrial, model.SubscriptionStatusPending:
	default:
		return nil, domain.ErrConflict
	}
	if err := uc.subs.UpdateStatus(ctx, nil, sub.ID, model.SubscriptionStatusCancelled); err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionStatusCancelled
	sub.AutoRenew = false
	metrics.IncSubscriptionEvent("cancelled")
	return sub, nil
}

func (uc *subscriptionUC) CountActiveByPlan(ctx context.Context) (map[string]int, error) {
	return uc.subs.CountActiveByPlan(ctx, nil)
}
