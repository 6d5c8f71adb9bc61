package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager provides a thin abstraction to execute a function within
// a database transaction, passing the underlying transaction handle via `qx`.
//
// Repository methods accept `qx any` and detect a tx implementation-side;
// they MUST gracefully accept nil qx (non-transactional path). The concrete
// type of qx is infra-defined (pgx.Tx for Postgres).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
	// WithUserLock runs fn in a transaction holding a per-user advisory
	// xact lock, serializing concurrent entitlement writes for one user.
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}
