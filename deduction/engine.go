// Package deduction implements the cascading-overflow rule that turns a
// logged unit of work into package-level usage updates. It is pure in-memory
// logic; transaction boundaries and idempotency belong to the ledger adapter.
package deduction

import (
	"errors"
	"fmt"

	"hourledger/budget"
)

// MaxEntryMinutes caps a single logged event at one day of work.
const MaxEntryMinutes int64 = 24 * 60

var (
	// ErrStageNotFound signals the target stage is not part of the service.
	ErrStageNotFound = errors.New("deduction: stage not found")
	// ErrNoPackages signals the target stage has no packages to deduct from.
	ErrNoPackages = errors.New("deduction: stage has no packages")
)

// Delta records what Apply did to one package, for persistence by the
// ledger adapter.
type Delta struct {
	PackageID      string
	MinutesApplied int64
	NewUsedMinutes int64
	NewStatus      budget.Status
}

// Outcome is the result of a single deduction over a service subtree.
// OverBudget is a business signal, not a failure: the deduction committed
// but the stage now carries negative remaining minutes.
type Outcome struct {
	StageID          string
	Touched          []Delta
	OverBudget       bool
	OverdraftMinutes int64
	StageTotals      budget.Totals
	ServiceTotals    budget.Totals
}

// Apply deducts minutes from the service's packages in creation order,
// mutating the tree in place. For procedure services stageID selects the
// stage (empty means the currently active one); flat services ignore it.
//
// Packages are walked oldest first; each eligible package absorbs
// min(remaining deduction, package remaining) and flips to depleted exactly
// when its remaining reaches zero. If every package is exhausted before the
// deduction is, the remainder lands on the last package and the stage goes
// over budget rather than rejecting the work.
func Apply(svc *budget.Service, stageID string, minutes int64) (Outcome, error) {
	if svc == nil {
		return Outcome{}, fmt.Errorf("%w: nil service", budget.ErrValidation)
	}
	if minutes <= 0 {
		return Outcome{}, fmt.Errorf("%w: minutes must be positive, got %d", budget.ErrValidation, minutes)
	}
	if minutes > MaxEntryMinutes {
		return Outcome{}, fmt.Errorf("%w: single entry capped at %d minutes, got %d", budget.ErrValidation, MaxEntryMinutes, minutes)
	}

	stage, err := targetStage(svc, stageID)
	if err != nil {
		return Outcome{}, err
	}
	if len(stage.Packages) == 0 {
		return Outcome{}, fmt.Errorf("%w: stage %s", ErrNoPackages, stage.ID)
	}

	out := Outcome{StageID: stage.ID}
	remaining := minutes

	for _, pkg := range stage.Packages {
		if remaining == 0 {
			break
		}
		if pkg.Status == budget.StatusDepleted && pkg.RemainingMinutes() <= 0 {
			continue
		}
		avail := pkg.RemainingMinutes()
		if avail <= 0 {
			continue
		}

		take := remaining
		if avail < take {
			take = avail
		}
		pkg.UsedMinutes += take
		remaining -= take
		if pkg.RemainingMinutes() == 0 {
			pkg.Status = budget.StatusDepleted
		}
		out.Touched = append(out.Touched, Delta{
			PackageID:      pkg.ID,
			MinutesApplied: take,
			NewUsedMinutes: pkg.UsedMinutes,
			NewStatus:      pkg.Status,
		})
	}

	if remaining > 0 {
		// Packages exhausted mid-cascade: the overflow is recorded against
		// the newest package so the stage's derived remaining goes negative.
		last := stage.Packages[len(stage.Packages)-1]
		last.UsedMinutes += remaining
		last.Status = budget.StatusDepleted
		out.OverBudget = true
		out.OverdraftMinutes = remaining
		out.Touched = appendDelta(out.Touched, Delta{
			PackageID:      last.ID,
			MinutesApplied: remaining,
			NewUsedMinutes: last.UsedMinutes,
			NewStatus:      last.Status,
		})
	}

	out.StageTotals = stage.Totals()
	out.ServiceTotals = svc.Totals()
	if out.StageTotals.RemainingMinutes < 0 {
		out.OverBudget = true
	}
	return out, nil
}

func targetStage(svc *budget.Service, stageID string) (*budget.Stage, error) {
	if svc.Kind == budget.KindFlat {
		if len(svc.Stages) == 0 {
			return nil, fmt.Errorf("%w: flat service %s has no stage", ErrStageNotFound, svc.ID)
		}
		return svc.Stages[0], nil
	}

	if stageID == "" {
		if st := svc.ActiveStage(); st != nil {
			return st, nil
		}
		return nil, fmt.Errorf("%w: service %s has no active stage", ErrStageNotFound, svc.ID)
	}
	if st := svc.StageByID(stageID); st != nil {
		return st, nil
	}
	return nil, fmt.Errorf("%w: stage %s not in service %s", ErrStageNotFound, stageID, svc.ID)
}

// appendDelta merges a delta into an existing entry for the same package so
// callers persist one row per touched package.
func appendDelta(deltas []Delta, d Delta) []Delta {
	for i := range deltas {
		if deltas[i].PackageID == d.PackageID {
			deltas[i].MinutesApplied += d.MinutesApplied
			deltas[i].NewUsedMinutes = d.NewUsedMinutes
			deltas[i].NewStatus = d.NewStatus
			return deltas
		}
	}
	return append(deltas, d)
}
