package app

import (
	"context"
	"database/sql"
	"time"

	dErrors "accredit/pkg/domain-errors"
	txcontext "accredit/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// postgresTx runs retirement unit-of-work callbacks in one database
// transaction, bounded by timeout when the caller set no deadline.
type postgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newPostgresTx(db *sql.DB) *postgresTx {
	return &postgresTx{db: db}
}

func (t *postgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return txcontext.RunInTx(ctx, t.db, fn)
}
