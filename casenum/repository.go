// Package casenum mints the sequential case numbers assigned to new
// clients, one monotonic counter per year. The increment must share a
// transaction with the client insert so a number can never be handed to two
// clients; a crash after the increment only leaves a gap, which is safe.
package casenum

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrContentionExceeded signals the bounded retry budget was exhausted.
var ErrContentionExceeded = errors.New("casenum: contention retries exhausted")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// NextInTx increments and returns the year's counter inside the caller's
// transaction. The upsert form makes the first allocation of a year and the
// increment a single atomic statement.
func (r *Repository) NextInTx(ctx context.Context, tx pgx.Tx, year int) (int, error) {
	if year < 2000 || year > 2200 {
		return 0, fmt.Errorf("casenum: implausible year %d", year)
	}

	const upsertSQL = `
INSERT INTO case_sequences (year, last_number)
VALUES ($1, 1)
ON CONFLICT (year) DO UPDATE SET last_number = case_sequences.last_number + 1
RETURNING last_number
`

	var n int
	if err := tx.QueryRow(ctx, upsertSQL, year).Scan(&n); err != nil {
		return 0, fmt.Errorf("casenum: increment sequence: %w", err)
	}
	return n, nil
}

// Format renders a case number as the year followed by the sequence padded
// to three digits, e.g. 2026007.
func Format(year, n int) string {
	return fmt.Sprintf("%d%03d", year, n)
}
