// Package recon recomputes ledger aggregates from the append-only time-entry
// log and reports drift against stored package usage. It exists because the
// aggregates, though derived by construction on the write path, can still be
// damaged by operator mistakes or bugs; reconciliation makes that visible
// and, in repair mode, reversible without ever rewriting history.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hourledger/budget"
	"hourledger/db"
	"hourledger/deduction"
)

// ErrContentionExceeded signals a repair transaction kept conflicting.
var ErrContentionExceeded = errors.New("recon: contention retries exhausted")

// Repository defines the reconciliation data access.
type Repository interface {
	StoredUsedMinutes(ctx context.Context, scope Scope) (int64, error)
	TrueUsedMinutes(ctx context.Context, scope Scope) (int64, error)
	TrueUsedMinutesTx(ctx context.Context, tx pgx.Tx, scope Scope) (int64, error)
	InsertAudit(ctx context.Context, tx pgx.Tx, rec AuditRecord) error
	ListServiceIDs(ctx context.Context, clientID string) ([]string, error)
	ListClientIDsAfter(ctx context.Context, afterID string, limit int) ([]string, error)
	GetCheckpoint(ctx context.Context, sweep string) (string, error)
	SaveCheckpoint(ctx context.Context, sweep, lastClientID string) error
}

// TreeStore is the slice of the ledger repository repair needs: the same
// lock-load-write path every other writer uses. Reconciliation never assumes
// it is the only writer.
type TreeStore interface {
	LockClient(ctx context.Context, tx pgx.Tx, clientID string) error
	LoadService(ctx context.Context, tx pgx.Tx, clientID, serviceID string) (*budget.Service, error)
	ApplyPackageDeltas(ctx context.Context, tx pgx.Tx, deltas []deduction.Delta) error
}

type Service struct {
	pool  db.TxBeginner
	repo  Repository
	trees TreeStore
	now   func() time.Time
	idGen func() string
}

func NewService(pool db.TxBeginner, repo Repository, trees TreeStore) *Service {
	return &Service{
		pool:  pool,
		repo:  repo,
		trees: trees,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

// Reconcile compares the stored used aggregate for a node against the sum of
// its time entries. Read-only: a drift finding is reported, never acted on.
func (s *Service) Reconcile(ctx context.Context, clientID, serviceID, stageID string) (Report, error) {
	scope := Scope{ClientID: clientID, ServiceID: serviceID, StageID: stageID}

	stored, err := s.repo.StoredUsedMinutes(ctx, scope)
	if err != nil {
		return Report{}, err
	}
	trueVal, err := s.repo.TrueUsedMinutes(ctx, scope)
	if err != nil {
		return Report{}, err
	}
	return buildReport(scope, stored, trueVal, s.now()), nil
}

func buildReport(scope Scope, stored, trueVal int64, at time.Time) Report {
	diff := stored - trueVal
	return Report{
		Scope:             scope,
		StoredMinutes:     stored,
		TrueMinutes:       trueVal,
		DifferenceMinutes: diff,
		Drifted:           abs(diff) > DriftToleranceMinutes,
		CheckedAt:         at,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ReconcileClient reports every service of a client.
func (s *Service) ReconcileClient(ctx context.Context, clientID string) ([]Report, error) {
	serviceIDs, err := s.repo.ListServiceIDs(ctx, clientID)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(serviceIDs))
	for _, serviceID := range serviceIDs {
		rep, err := s.Reconcile(ctx, clientID, serviceID, "")
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Repair rewrites a drifted node's package aggregates to match the
// time-entry log, replaying the true total through the package cascade so
// post-repair aggregates equal ground truth by construction. Each effective
// repair leaves one audit row; time entries are never touched. Re-running a
// repair is idempotent: an in-agreement node writes nothing.
func (s *Service) Repair(ctx context.Context, scope Scope, operator string) (Report, error) {
	if operator == "" {
		return Report{}, fmt.Errorf("%w: operator is required for repair", budget.ErrValidation)
	}

	var report Report
	err := db.RunSerializable(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.trees.LockClient(ctx, tx, scope.ClientID); err != nil {
			return err
		}
		svc, err := s.trees.LoadService(ctx, tx, scope.ClientID, scope.ServiceID)
		if err != nil {
			return err
		}

		stages, err := scopedStages(svc, scope.StageID)
		if err != nil {
			return err
		}

		var stored int64
		for _, st := range stages {
			stored += st.Totals().UsedMinutes
		}
		trueVal, err := s.repo.TrueUsedMinutesTx(ctx, tx, scope)
		if err != nil {
			return err
		}

		report = buildReport(scope, stored, trueVal, s.now())
		if !report.Drifted {
			return nil
		}

		var deltas []deduction.Delta
		for _, st := range stages {
			stageTrue := trueVal
			if svc.Kind == budget.KindProcedure && scope.StageID == "" {
				// Service-level repair of a procedure: each stage is replayed
				// against its own entries, which carry the stage id.
				stageScope := scope
				stageScope.StageID = st.ID
				if stageTrue, err = s.repo.TrueUsedMinutesTx(ctx, tx, stageScope); err != nil {
					return err
				}
			}
			deltas = append(deltas, replayStage(st, stageTrue)...)
		}

		if err := s.trees.ApplyPackageDeltas(ctx, tx, deltas); err != nil {
			return err
		}

		audit := AuditRecord{
			ID:           s.idGen(),
			ClientID:     scope.ClientID,
			ServiceID:    scope.ServiceID,
			DeltaMinutes: trueVal - stored,
			Reason:       ReasonReconciliation,
			Operator:     operator,
		}
		if scope.StageID != "" {
			stageID := scope.StageID
			audit.StageID = &stageID
		}
		return s.repo.InsertAudit(ctx, tx, audit)
	})
	if err != nil {
		if errors.Is(err, db.ErrRetriesExhausted) {
			return Report{}, fmt.Errorf("%w: client %s", ErrContentionExceeded, scope.ClientID)
		}
		return Report{}, err
	}
	return report, nil
}

func scopedStages(svc *budget.Service, stageID string) ([]*budget.Stage, error) {
	if stageID == "" {
		return svc.Stages, nil
	}
	if st := svc.StageByID(stageID); st != nil {
		return []*budget.Stage{st}, nil
	}
	return nil, fmt.Errorf("%w: stage %s not in service %s", budget.ErrValidation, stageID, svc.ID)
}

// replayStage distributes the true used total across the stage's packages in
// creation order: each package fills to its total, the last absorbs any
// overflow. Statuses follow usage: a full package is depleted, a package
// with room is active when its stage can still be worked.
func replayStage(st *budget.Stage, trueUsed int64) []deduction.Delta {
	deltas := make([]deduction.Delta, 0, len(st.Packages))
	remaining := trueUsed

	for i, p := range st.Packages {
		take := remaining
		if take > p.TotalMinutes {
			take = p.TotalMinutes
		}
		if i == len(st.Packages)-1 {
			take = remaining
		}
		remaining -= take

		status := budget.StatusActive
		switch {
		case take >= p.TotalMinutes:
			status = budget.StatusDepleted
		case st.Status == budget.StatusPending:
			status = budget.StatusPending
		}

		if p.UsedMinutes != take || p.Status != status {
			p.UsedMinutes = take
			p.Status = status
			deltas = append(deltas, deduction.Delta{
				PackageID:      p.ID,
				MinutesApplied: 0,
				NewUsedMinutes: take,
				NewStatus:      status,
			})
		}
	}
	return deltas
}

// Sweep reconciles clients in id order, resuming from the named checkpoint.
// The checkpoint advances after each fully processed client, so cancelling a
// long pass loses nothing: reconciliation is read-mostly and idempotent per
// client.
func (s *Service) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Repair && opts.Operator == "" {
		return SweepResult{}, fmt.Errorf("%w: operator is required for repair sweeps", budget.ErrValidation)
	}

	last, err := s.repo.GetCheckpoint(ctx, opts.Name)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{LastClientID: last}
	for {
		if opts.Limit > 0 && result.Processed >= opts.Limit {
			return result, nil
		}

		batch := 100
		if opts.Limit > 0 && opts.Limit-result.Processed < batch {
			batch = opts.Limit - result.Processed
		}
		clientIDs, err := s.repo.ListClientIDsAfter(ctx, result.LastClientID, batch)
		if err != nil {
			return result, err
		}
		if len(clientIDs) == 0 {
			return result, nil
		}

		for _, clientID := range clientIDs {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			reports, err := s.ReconcileClient(ctx, clientID)
			if err != nil {
				return result, err
			}
			for _, rep := range reports {
				if !rep.Drifted {
					continue
				}
				result.Drifted = append(result.Drifted, rep)
				if opts.Repair {
					if _, err := s.Repair(ctx, rep.Scope, opts.Operator); err != nil {
						return result, err
					}
					result.Repaired++
				}
			}

			result.Processed++
			result.LastClientID = clientID
			if err := s.repo.SaveCheckpoint(ctx, opts.Name, clientID); err != nil {
				return result, err
			}
		}
	}
}
