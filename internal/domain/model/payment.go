package model

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // intent created; awaiting gateway outcome
	PaymentStatusCompleted PaymentStatus = "completed" // settled at provider
	PaymentStatusFailed    PaymentStatus = "failed"    // declined or verification failed
	PaymentStatusCancelled PaymentStatus = "cancelled" // cancelled before settlement
	PaymentStatusRefunded  PaymentStatus = "refunded"  // fully refunded
)

type PaymentMethod string

const (
	PaymentMethodCardGateway   PaymentMethod = "card-gateway"
	PaymentMethodWalletGateway PaymentMethod = "wallet-gateway"
)

type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
)

// Payment records one attempt to move money. Rows are never deleted;
// all status mutations go through conditional repository updates.
type Payment struct {
	ID              string        // UUID
	UserID          string        // UUID
	PlanID          *string       // UUID; nil for one-off top-ups
	Amount          int64         // minor units (cents), integer to avoid float errors
	Currency        string        // ISO code, e.g. "USD"
	Method          PaymentMethod // which gateway adapter handles this payment
	Type            PaymentType
	Status          PaymentStatus
	ExternalRef     string // gateway-assigned intent/order id
	GatewaySnapshot []byte // last raw gateway response (JSONB in DB)
	RefundedAmount  int64  // accumulated refunds, 0 <= RefundedAmount <= Amount
	FailureReason   *string
	RefundIDs       []string // provider refund ids, in issue order
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	CancelledAt     *time.Time
}

// RefundableAmount returns the balance still eligible for refund.
func (p *Payment) RefundableAmount() int64 {
	return p.Amount - p.RefundedAmount
}

// CanTransitionTo reports whether the status machine permits moving to next.
// PENDING -> {COMPLETED, FAILED, CANCELLED}; COMPLETED -> REFUNDED.
func (p *Payment) CanTransitionTo(next PaymentStatus) bool {
	switch p.Status {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed || next == PaymentStatusCancelled
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}
