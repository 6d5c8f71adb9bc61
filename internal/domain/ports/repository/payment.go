package repository

import (
	"context"
	"time"

	"billing-engine/internal/domain/model"
)

// PaymentRepository persists Payment aggregates. State transitions are
// expressed as conditional updates (affecting zero rows when the guard
// fails), never as read-then-write; that is the only coordination
// primitive between horizontally scaled instances.
type PaymentRepository interface {
	Save(ctx context.Context, qx any, p *model.Payment) error
	FindByID(ctx context.Context, qx any, id string) (*model.Payment, error)
	FindByExternalRef(ctx context.Context, qx any, ref string) (*model.Payment, error)
	ListByUser(ctx context.Context, qx any, userID string, limit, offset int) ([]*model.Payment, error)

	// SetExternalRef records the gateway-assigned id and response snapshot
	// after intent creation.
	SetExternalRef(ctx context.Context, qx any, id, ref string, snapshot []byte) error

	// MarkIfPending transitions the payment to status only when it is
	// currently pending. Returns false (and no error) when the guard fails.
	MarkIfPending(ctx context.Context, qx any, id string, status model.PaymentStatus, reason *string, at time.Time) (bool, error)

	// ApplyRefund atomically increments refunded_amount when the payment is
	// completed and the increment keeps refunded_amount <= amount, flipping
	// the status to refunded on full refund. Returns the updated row and
	// whether the update applied.
	ApplyRefund(ctx context.Context, qx any, id string, amount int64, refundID string) (*model.Payment, bool, error)

	// ListPendingOlderThan feeds the reconciler with stale pending payments.
	ListPendingOlderThan(ctx context.Context, qx any, olderThan time.Time, limit int) ([]*model.Payment, error)

	// SumByPeriod totals completed payment amounts since the start of the
	// current day/month/year.
	SumByPeriod(ctx context.Context, qx any, period string) (int64, error)
}
