package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hourledger/budget"
	"hourledger/casenum"
	"hourledger/db"
	"hourledger/deduction"
)

// Repository defines the data access required by the service.
type Repository interface {
	LockClient(ctx context.Context, tx pgx.Tx, clientID string) error
	LoadService(ctx context.Context, tx pgx.Tx, clientID, serviceID string) (*budget.Service, error)
	LoadClient(ctx context.Context, clientID string) (*budget.Client, error)
	FindTimeEntry(ctx context.Context, tx pgx.Tx, key string) (*TimeEntry, error)
	InsertTimeEntry(ctx context.Context, tx pgx.Tx, e TimeEntry) error
	ApplyPackageDeltas(ctx context.Context, tx pgx.Tx, deltas []deduction.Delta) error
	InsertClient(ctx context.Context, tx pgx.Tx, name, caseNumber string) (CaseRecord, error)
	InsertServiceTree(ctx context.Context, tx pgx.Tx, clientID string, position int, svc *budget.Service) error
	InsertPackage(ctx context.Context, tx pgx.Tx, p *budget.Package) error
	SyncStatuses(ctx context.Context, tx pgx.Tx, svc *budget.Service) error
	TouchClient(ctx context.Context, tx pgx.Tx, clientID string) error
}

// SequenceRepository mints case numbers inside the caller's transaction.
type SequenceRepository interface {
	NextInTx(ctx context.Context, tx pgx.Tx, year int) (int, error)
}

// Service is the ledger store adapter: the only legitimate writer of package
// hour fields. Every mutation is one serializable read-modify-write unit
// with bounded retry; no partial cascade is ever observable.
type Service struct {
	pool  db.TxBeginner
	repo  Repository
	seq   SequenceRepository
	now   func() time.Time
	idGen func() string
}

func NewService(pool db.TxBeginner, repo Repository, seq SequenceRepository) *Service {
	if seq == nil {
		seq = casenum.NewRepository()
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		seq:   seq,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

// ApplyDeduction logs one unit of work: it locks the client, replays the
// idempotency key if it was already spent, otherwise runs the cascading
// deduction, persists the touched packages, and appends exactly one time
// entry — all in one transaction.
func (s *Service) ApplyDeduction(ctx context.Context, params DeductionParams) (DeductionSummary, error) {
	if params.ClientID == "" || params.ServiceID == "" {
		return DeductionSummary{}, fmt.Errorf("%w: client and service ids are required", budget.ErrValidation)
	}
	if params.EmployeeID == "" {
		return DeductionSummary{}, fmt.Errorf("%w: employee id is required", budget.ErrValidation)
	}
	if params.IdempotencyKey == "" {
		return DeductionSummary{}, fmt.Errorf("%w: idempotency key is required", budget.ErrValidation)
	}

	summary, err := s.applyDeductionOnce(ctx, params)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// A concurrent writer spent the key between our read and insert; the
		// rerun takes the replay path against the winner's committed entry.
		summary, err = s.applyDeductionOnce(ctx, params)
	}
	if err != nil {
		if errors.Is(err, db.ErrRetriesExhausted) {
			return DeductionSummary{}, fmt.Errorf("%w: client %s", ErrContentionExceeded, params.ClientID)
		}
		return DeductionSummary{}, err
	}
	return summary, nil
}

func (s *Service) applyDeductionOnce(ctx context.Context, params DeductionParams) (DeductionSummary, error) {
	var summary DeductionSummary

	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.LockClient(ctx, tx, params.ClientID); err != nil {
			return err
		}

		existing, err := s.repo.FindTimeEntry(ctx, tx, params.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			svc, err := s.repo.LoadService(ctx, tx, params.ClientID, existing.ServiceID)
			if err != nil {
				return err
			}
			summary = s.replaySummary(*existing, svc)
			return nil
		}

		svc, err := s.repo.LoadService(ctx, tx, params.ClientID, params.ServiceID)
		if err != nil {
			return err
		}

		outcome, err := deduction.Apply(svc, params.StageID, params.Minutes)
		if err != nil {
			return err
		}

		if err := s.repo.ApplyPackageDeltas(ctx, tx, outcome.Touched); err != nil {
			return err
		}

		entry := TimeEntry{
			ID:             s.idGen(),
			ClientID:       params.ClientID,
			ServiceID:      params.ServiceID,
			Minutes:        params.Minutes,
			EmployeeID:     params.EmployeeID,
			IdempotencyKey: params.IdempotencyKey,
			OverBudget:     outcome.OverBudget,
			LoggedAt:       s.now(),
		}
		if svc.Kind == budget.KindProcedure {
			stageID := outcome.StageID
			entry.StageID = &stageID
		}
		if err := s.repo.InsertTimeEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := s.repo.TouchClient(ctx, tx, params.ClientID); err != nil {
			return err
		}

		summary = DeductionSummary{
			Entry:         entry,
			StageTotals:   outcome.StageTotals,
			ServiceTotals: outcome.ServiceTotals,
			OverBudget:    outcome.OverBudget,
		}
		return nil
	})
	if err != nil {
		return DeductionSummary{}, err
	}
	return summary, nil
}

func (s *Service) replaySummary(entry TimeEntry, svc *budget.Service) DeductionSummary {
	summary := DeductionSummary{
		Entry:         entry,
		ServiceTotals: svc.Totals(),
		OverBudget:    entry.OverBudget,
		Replayed:      true,
	}
	if entry.StageID != nil {
		if st := svc.StageByID(*entry.StageID); st != nil {
			summary.StageTotals = st.Totals()
		}
	} else if len(svc.Stages) > 0 {
		summary.StageTotals = svc.Stages[0].Totals()
	}
	return summary
}

// CreateCase mints the year's next case number and creates the client with
// its initial service tree in the same transaction, so a number can never be
// allocated twice. A crash before commit leaves a gap, never a duplicate.
func (s *Service) CreateCase(ctx context.Context, params CreateCaseParams) (CaseRecord, error) {
	if params.Name == "" {
		return CaseRecord{}, fmt.Errorf("%w: client name is required", budget.ErrValidation)
	}
	if len(params.Services) == 0 {
		return CaseRecord{}, fmt.Errorf("%w: at least one service is required", budget.ErrValidation)
	}

	services := make([]*budget.Service, 0, len(params.Services))
	for i, spec := range params.Services {
		svc, err := buildService(spec)
		if err != nil {
			return CaseRecord{}, fmt.Errorf("service %d: %w", i+1, err)
		}
		services = append(services, svc)
	}

	var rec CaseRecord
	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := s.seq.NextInTx(ctx, tx, params.Year)
		if err != nil {
			return err
		}

		rec, err = s.repo.InsertClient(ctx, tx, params.Name, casenum.Format(params.Year, n))
		if err != nil {
			return err
		}

		for i, svc := range services {
			if err := s.repo.InsertServiceTree(ctx, tx, rec.ClientID, i, svc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrRetriesExhausted) {
			return CaseRecord{}, fmt.Errorf("%w: case sequence year %d", ErrContentionExceeded, params.Year)
		}
		return CaseRecord{}, err
	}
	return rec, nil
}

func buildService(spec ServiceSpec) (*budget.Service, error) {
	var (
		svc *budget.Service
		err error
	)
	switch spec.Kind {
	case budget.KindFlat:
		svc, err = budget.NewFlatService(spec.Hours)
	case budget.KindProcedure:
		svc, err = budget.NewProcedureService(spec.Stages)
	default:
		return nil, fmt.Errorf("%w: unknown service kind %q", budget.ErrValidation, spec.Kind)
	}
	if err != nil {
		return nil, err
	}
	svc.Description = spec.Description
	return svc, nil
}

// AddPackage grows a stage's budget by a fresh package. The package row and
// the stage's derived total move together because the total is never stored.
func (s *Service) AddPackage(ctx context.Context, params AddPackageParams) (*budget.Package, error) {
	if params.ClientID == "" || params.ServiceID == "" {
		return nil, fmt.Errorf("%w: client and service ids are required", budget.ErrValidation)
	}
	typ := params.Type
	if typ == "" {
		typ = budget.TypeAdditional
	}

	var pkg *budget.Package
	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.LockClient(ctx, tx, params.ClientID); err != nil {
			return err
		}
		svc, err := s.repo.LoadService(ctx, tx, params.ClientID, params.ServiceID)
		if err != nil {
			return err
		}

		stage, err := resolveStage(svc, params.StageID)
		if err != nil {
			return err
		}

		pkg, err = stage.AddPackage(params.Hours, params.Reason, typ)
		if err != nil {
			return err
		}
		if err := s.repo.InsertPackage(ctx, tx, pkg); err != nil {
			return err
		}
		return s.repo.TouchClient(ctx, tx, params.ClientID)
	})
	if err != nil {
		if errors.Is(err, db.ErrRetriesExhausted) {
			return nil, fmt.Errorf("%w: client %s", ErrContentionExceeded, params.ClientID)
		}
		return nil, err
	}
	return pkg, nil
}

func resolveStage(svc *budget.Service, stageID string) (*budget.Stage, error) {
	if svc.Kind == budget.KindFlat {
		if len(svc.Stages) == 0 {
			return nil, fmt.Errorf("%w: flat service %s has no stage", ErrNotFound, svc.ID)
		}
		return svc.Stages[0], nil
	}
	if stageID == "" {
		return nil, fmt.Errorf("%w: stage id is required for procedure services", budget.ErrValidation)
	}
	st := svc.StageByID(stageID)
	if st == nil {
		return nil, fmt.Errorf("%w: stage %s", ErrNotFound, stageID)
	}
	return st, nil
}

// AdvanceStage moves a procedure service's active stage. The trigger policy
// is the caller's; the engine only upholds exactly-one-active.
func (s *Service) AdvanceStage(ctx context.Context, clientID, serviceID string, toOrder int) error {
	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.LockClient(ctx, tx, clientID); err != nil {
			return err
		}
		svc, err := s.repo.LoadService(ctx, tx, clientID, serviceID)
		if err != nil {
			return err
		}
		if err := budget.AdvanceStage(svc, toOrder); err != nil {
			return err
		}
		if err := s.repo.SyncStatuses(ctx, tx, svc); err != nil {
			return err
		}
		return s.repo.TouchClient(ctx, tx, clientID)
	})
	if errors.Is(err, db.ErrRetriesExhausted) {
		return fmt.Errorf("%w: client %s", ErrContentionExceeded, clientID)
	}
	return err
}

// GetClient returns the full budget tree with derived totals.
func (s *Service) GetClient(ctx context.Context, clientID string) (*budget.Client, error) {
	return s.repo.LoadClient(ctx, clientID)
}
