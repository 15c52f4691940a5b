package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithSerializableTx runs fn inside a SERIALIZABLE transaction and replays it
// up to retries times when Postgres aborts it with a serialization failure or
// deadlock. fn must be safe to re-run: it must not perform external I/O.
func WithSerializableTx(ctx context.Context, pool *pgxpool.Pool, retries int, fn func(pgx.Tx) error) error {
	var lastErr error
	for range max(retries, 1) {
		err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableTxError(err) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
	}
	return errors.Join(ErrTxRetriesExhausted, lastErr)
}
