package casenum

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"hourledger/db"
)

// SequenceRepository defines the data access required by the service.
type SequenceRepository interface {
	NextInTx(ctx context.Context, tx pgx.Tx, year int) (int, error)
}

// Service allocates standalone case numbers. Case creation should prefer
// ledger.CreateCase, which shares the increment with the client insert; this
// service exists for callers that only need a number reserved.
type Service struct {
	pool db.TxBeginner
	repo SequenceRepository
}

func NewService(pool db.TxBeginner, repo SequenceRepository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// NextCaseNumber increments the year's counter in its own transaction and
// returns the formatted case number. Concurrent allocations contend on the
// single sequence row; conflicts are retried with backoff before giving up
// with ErrContentionExceeded.
func (s *Service) NextCaseNumber(ctx context.Context, year int) (string, error) {
	var n int
	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		n, err = s.repo.NextInTx(ctx, tx, year)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrRetriesExhausted) {
			return "", fmt.Errorf("%w: year %d", ErrContentionExceeded, year)
		}
		return "", err
	}
	return Format(year, n), nil
}
