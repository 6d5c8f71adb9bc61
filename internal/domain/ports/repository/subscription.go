package repository

import (
	"context"

	"billing-engine/internal/domain/model"
)

// SubscriptionRepository is the port for user subscriptions. Only the
// subscription lifecycle manager writes through it.
type SubscriptionRepository interface {
	Save(ctx context.Context, qx any, sub *model.UserSubscription) error
	FindByID(ctx context.Context, qx any, id string) (*model.UserSubscription, error)
	// FindActiveByUserAndPlan returns the single active row for the pair;
	// uniqueness is enforced by a partial index.
	FindActiveByUserAndPlan(ctx context.Context, qx any, userID, planID string) (*model.UserSubscription, error)
	ListByUser(ctx context.Context, qx any, userID string) ([]*model.UserSubscription, error)
	UpdateStatus(ctx context.Context, qx any, id string, status model.SubscriptionStatus) error

	// FindGrantedSubscription returns the subscription a payment already
	// granted or extended, ErrNotFound when the payment never granted.
	FindGrantedSubscription(ctx context.Context, qx any, paymentID string) (*model.UserSubscription, error)
	// RecordGrant writes the ledger row marking paymentID as consumed. At
	// most one row per payment; must run in the same transaction as the
	// subscription write.
	RecordGrant(ctx context.Context, qx any, paymentID, subscriptionID string) error

	// CountActiveByPlan returns plan id -> active subscription count.
	CountActiveByPlan(ctx context.Context, qx any) (map[string]int, error)
}
