package model

import (
	"time"

	"billing-engine/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
)

// UserSubscription is the entitlement granted by a completed
// subscription-type payment. Written only by the lifecycle manager.
type UserSubscription struct {
	ID                 string  // UUID
	UserID             string  // UUID
	PlanID             string  // UUID
	Status             SubscriptionStatus
	ExternalSubID      *string // gateway-side subscription id, if the provider has one
	BillingCycle       string  // e.g. "monthly"
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CreditsGranted     int64
	CreditsUsed        int64 // enforced <= CreditsGranted by the credits subsystem
	AutoRenew          bool
	LastPaymentID      string // payment that last granted/extended this row; grant idempotency guard
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewUserSubscription creates an active subscription starting now.
func NewUserSubscription(id, userID, paymentID string, plan *Plan) (*UserSubscription, error) {
	if id == "" || userID == "" || paymentID == "" || plan.IsZero() {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &UserSubscription{
		ID:                 id,
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             SubscriptionStatusActive,
		BillingCycle:       plan.BillingCycle,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(plan.BillingInterval()),
		CreditsGranted:     plan.MonthlyCredits,
		CreditsUsed:        0,
		AutoRenew:          true,
		LastPaymentID:      paymentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// IsExpired reports whether the current period has elapsed. Expiry is
// evaluated lazily on read; there is no background sweep.
func (s *UserSubscription) IsExpired(now time.Time) bool {
	return s.Status == SubscriptionStatusActive && now.After(s.CurrentPeriodEnd)
}
