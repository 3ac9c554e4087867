package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRunSerializable_CommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}

	err := RunSerializable(context.Background(), pool, func(tx pgx.Tx) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.begun != 1 {
		t.Fatalf("expected single attempt, got %d", pool.begun)
	}
	if !pool.lastTx.committed {
		t.Fatal("expected commit")
	}
}

func TestRunSerializable_RetriesSerializationFailure(t *testing.T) {
	pool := &fakePool{}
	attempts := 0

	err := RunSerializable(context.Background(), pool, func(tx pgx.Tx) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunSerializable_ExhaustsRetries(t *testing.T) {
	pool := &fakePool{}
	attempts := 0

	err := RunSerializable(context.Background(), pool, func(tx pgx.Tx) error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if attempts != MaxTxAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxTxAttempts, attempts)
	}
}

func TestRunSerializable_NoRetryOnOtherErrors(t *testing.T) {
	pool := &fakePool{}
	attempts := 0
	boom := errors.New("boom")

	err := RunSerializable(context.Background(), pool, func(tx pgx.Tx) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("business errors must not retry, got %d attempts", attempts)
	}
	if !pool.lastTx.rolled {
		t.Fatal("expected rollback")
	}
}

func TestRunSerializable_ContextCancelled(t *testing.T) {
	pool := &fakePool{}
	ctx, cancel := context.WithCancel(context.Background())

	err := RunSerializable(ctx, pool, func(tx pgx.Tx) error {
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakePool struct {
	begun  int
	lastTx *fakeTx
}

func (f *fakePool) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if opts.IsoLevel != pgx.Serializable {
		return nil, errors.New("expected serializable isolation")
	}
	f.begun++
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

type fakeTx struct {
	committed bool
	rolled    bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}
func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolled = true; return nil }
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not implemented") }
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not implemented") }
func (f *fakeTx) Conn() *pgx.Conn                                         { return nil }
