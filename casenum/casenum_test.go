package casenum

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		year int
		n    int
		want string
	}{
		{2026, 1, "2026001"},
		{2026, 7, "2026007"},
		{2026, 42, "2026042"},
		{2026, 123, "2026123"},
		{2026, 1234, "20261234"}, // padding widens past 999, never truncates
	}
	for _, tc := range cases {
		if got := Format(tc.year, tc.n); got != tc.want {
			t.Errorf("Format(%d, %d) = %q, want %q", tc.year, tc.n, got, tc.want)
		}
	}
}

func TestNextInTx_ImplausibleYear(t *testing.T) {
	repo := NewRepository()
	for _, year := range []int{0, 1999, 2201} {
		if _, err := repo.NextInTx(context.Background(), nil, year); err == nil {
			t.Errorf("year %d: expected error", year)
		}
	}
}

func TestNextCaseNumber(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeSeqRepo{next: 12})

	got, err := svc.NextCaseNumber(context.Background(), 2026)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "2026012" {
		t.Fatalf("expected 2026012, got %s", got)
	}
}

func TestNextCaseNumber_ContentionExceeded(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeSeqRepo{err: &pgconn.PgError{Code: "40001"}})

	_, err := svc.NextCaseNumber(context.Background(), 2026)
	if !errors.Is(err, ErrContentionExceeded) {
		t.Fatalf("expected ErrContentionExceeded, got %v", err)
	}
}

type fakeSeqRepo struct {
	next int
	err  error
}

func (f *fakeSeqRepo) NextInTx(ctx context.Context, tx pgx.Tx, year int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.next, nil
}

type fakePool struct{}

func (f *fakePool) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct{}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}
func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }
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
