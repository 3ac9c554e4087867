package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetriesExhausted signals a serializable transaction kept conflicting
// past the attempt budget. Callers surface it as their own contention
// sentinel; the data is untouched and the request can simply be resubmitted.
var ErrRetriesExhausted = errors.New("db: transaction retries exhausted")

// MaxTxAttempts bounds the optimistic retry loop.
const MaxTxAttempts = 5

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// RunSerializable executes fn inside a serializable transaction, retrying
// the whole read-modify-write unit on serialization failure or deadlock
// (SQLSTATE 40001/40P01) with jittered exponential backoff. Any other error
// aborts immediately; fn must be safe to re-run from scratch.
func RunSerializable(ctx context.Context, pool TxBeginner, fn func(pgx.Tx) error) error {
	var lastErr error

	for attempt := 0; attempt < MaxTxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		err := runOnce(ctx, pool, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func runOnce(ctx context.Context, pool TxBeginner, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit tx: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func backoffDelay(attempt int) time.Duration {
	base := 10 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}
