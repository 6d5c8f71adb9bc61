package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, user_id, plan_id, amount, currency, method, type, status, external_ref, gateway_snapshot, refunded_amount, failure_reason, refund_ids, created_at, updated_at, confirmed_at, cancelled_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	p := &model.Payment{}
	if err := row.Scan(
		&p.ID, &p.UserID, &p.PlanID, &p.Amount, &p.Currency, &p.Method, &p.Type, &p.Status,
		&p.ExternalRef, &p.GatewaySnapshot, &p.RefundedAmount, &p.FailureReason, &p.RefundIDs,
		&p.CreatedAt, &p.UpdatedAt, &p.ConfirmedAt, &p.CancelledAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}

func (r *paymentRepo) Save(ctx context.Context, qx any, p *model.Payment) error {
	const q = `
INSERT INTO payments (
  id, user_id, plan_id, amount, currency, method, type, status, external_ref, gateway_snapshot, refunded_amount, failure_reason, refund_ids, created_at, updated_at, confirmed_at, cancelled_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
) ON CONFLICT (id) DO UPDATE SET
  external_ref=$9, gateway_snapshot=$10, refunded_amount=$11, failure_reason=$12, refund_ids=$13, updated_at=$15, confirmed_at=$16, cancelled_at=$17;`

	_, err := execSQL(ctx, r.pool, qx, q,
		p.ID, p.UserID, p.PlanID, p.Amount, p.Currency, p.Method, p.Type, p.Status,
		p.ExternalRef, p.GatewaySnapshot, p.RefundedAmount, p.FailureReason, p.RefundIDs,
		p.CreatedAt, p.UpdatedAt, p.ConfirmedAt, p.CancelledAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *paymentRepo) FindByID(ctx context.Context, qx any, id string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id=$1`
	if _, ok := qx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, qx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindByExternalRef(ctx context.Context, qx any, ref string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE external_ref=$1 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, qx, q, ref)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) ListByUser(ctx context.Context, qx any, userID string, limit, offset int) ([]*model.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3;`
	rows, err := queryRows(ctx, r.pool, qx, q, userID, limit, offset)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *paymentRepo) SetExternalRef(ctx context.Context, qx any, id, ref string, snapshot []byte) error {
	const q = `UPDATE payments SET external_ref=$2, gateway_snapshot=$3, updated_at=NOW() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, qx, q, id, ref, snapshot)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

// MarkIfPending atomically transitions status only when the row is still
// pending; this is the single coordination primitive between concurrent
// confirm/cancel callers across instances.
func (r *paymentRepo) MarkIfPending(ctx context.Context, qx any, id string, status model.PaymentStatus, reason *string, at time.Time) (bool, error) {
	const q = `
UPDATE payments
   SET status = $2,
       failure_reason = COALESCE($3, failure_reason),
       confirmed_at = CASE WHEN $2 = 'completed' THEN $4 ELSE confirmed_at END,
       cancelled_at = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancelled_at END,
       updated_at = NOW()
 WHERE id = $1
   AND status = 'pending';`

	cmd, err := execSQL(ctx, r.pool, qx, q, id, string(status), reason, at)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

// ApplyRefund increments refunded_amount under the accounting guard
// refunded_amount + x <= amount, flipping to refunded on a full refund.
// Zero rows affected means a concurrent refund consumed the balance.
func (r *paymentRepo) ApplyRefund(ctx context.Context, qx any, id string, amount int64, refundID string) (*model.Payment, bool, error) {
	const q = `
UPDATE payments
   SET refunded_amount = refunded_amount + $2,
       refund_ids = array_append(refund_ids, $3),
       status = CASE WHEN refunded_amount + $2 = amount THEN 'refunded' ELSE status END,
       updated_at = NOW()
 WHERE id = $1
   AND status = 'completed'
   AND refunded_amount + $2 <= amount
RETURNING ` + paymentColumns + `;`

	row, err := pickRow(ctx, r.pool, qx, q, id, amount, refundID)
	if err != nil {
		return nil, false, err
	}
	p, err := scanPayment(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (r *paymentRepo) ListPendingOlderThan(ctx context.Context, qx any, olderThan time.Time, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE status='pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, qx, q, olderThan, limit)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *paymentRepo) SumByPeriod(ctx context.Context, qx any, period string) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount),0) FROM payments WHERE status IN ('completed','refunded') AND confirmed_at >= DATE_TRUNC($1, NOW());`
	row, err := pickRow(ctx, r.pool, qx, q, period)
	if err != nil {
		return 0, err
	}
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return sum, nil
}
