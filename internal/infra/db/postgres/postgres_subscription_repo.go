package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct{ pool *pgxpool.Pool }

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, user_id, plan_id, status, external_sub_id, billing_cycle, period_start, period_end, credits_granted, credits_used, auto_renew, last_payment_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.UserSubscription, error) {
	s := &model.UserSubscription{}
	if err := row.Scan(
		&s.ID, &s.UserID, &s.PlanID, &s.Status, &s.ExternalSubID, &s.BillingCycle,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreditsGranted, &s.CreditsUsed,
		&s.AutoRenew, &s.LastPaymentID, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return s, nil
}

func (r *subscriptionRepo) Save(ctx context.Context, qx any, s *model.UserSubscription) error {
	const q = `
INSERT INTO user_subscriptions (
  id, user_id, plan_id, status, external_sub_id, billing_cycle, period_start, period_end, credits_granted, credits_used, auto_renew, last_payment_id, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
) ON CONFLICT (id) DO UPDATE SET
  status=$4, external_sub_id=$5, billing_cycle=$6, period_start=$7, period_end=$8, credits_granted=$9, credits_used=$10, auto_renew=$11, last_payment_id=$12, updated_at=$14;`

	_, err := execSQL(ctx, r.pool, qx, q,
		s.ID, s.UserID, s.PlanID, s.Status, s.ExternalSubID, s.BillingCycle,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CreditsGranted, s.CreditsUsed,
		s.AutoRenew, s.LastPaymentID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *subscriptionRepo) FindByID(ctx context.Context, qx any, id string) (*model.UserSubscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE id=$1`
	if _, ok := qx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, qx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

// FindActiveByUserAndPlan relies on the partial unique index on
// (user_id, plan_id) WHERE status='active': at most one row matches.
func (r *subscriptionRepo) FindActiveByUserAndPlan(ctx context.Context, qx any, userID, planID string) (*model.UserSubscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE user_id=$1 AND plan_id=$2 AND status='active'`
	if _, ok := qx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, qx, q, userID, planID)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) ListByUser(ctx context.Context, qx any, userID string) ([]*model.UserSubscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE user_id=$1 ORDER BY created_at DESC;`
	rows, err := queryRows(ctx, r.pool, qx, q, userID)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*model.UserSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *subscriptionRepo) UpdateStatus(ctx context.Context, qx any, id string, status model.SubscriptionStatus) error {
	const q = `UPDATE user_subscriptions SET status=$2, updated_at=NOW() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, qx, q, id, status)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *subscriptionRepo) FindGrantedSubscription(ctx context.Context, qx any, paymentID string) (*model.UserSubscription, error) {
	const q = `SELECT subscription_id FROM subscription_grants WHERE payment_id=$1;`
	row, err := pickRow(ctx, r.pool, qx, q, paymentID)
	if err != nil {
		return nil, err
	}
	var subID string
	if err := row.Scan(&subID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return r.FindByID(ctx, qx, subID)
}

func (r *subscriptionRepo) RecordGrant(ctx context.Context, qx any, paymentID, subscriptionID string) error {
	const q = `INSERT INTO subscription_grants (payment_id, subscription_id, created_at) VALUES ($1, $2, NOW());`
	_, err := execSQL(ctx, r.pool, qx, q, paymentID, subscriptionID)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *subscriptionRepo) CountActiveByPlan(ctx context.Context, qx any) (map[string]int, error) {
	const q = `SELECT plan_id, COUNT(*) FROM user_subscriptions WHERE status='active' GROUP BY plan_id;`
	rows, err := queryRows(ctx, r.pool, qx, q)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var planID string
		var count int
		if err := rows.Scan(&planID, &count); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[planID] = count
	}
	return out, nil
}
