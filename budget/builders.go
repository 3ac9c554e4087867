package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals input that must be rejected before any write.
	ErrValidation = errors.New("budget: validation failed")
	// ErrStageConflict signals an advancement that would break the
	// exactly-one-active-stage rule.
	ErrStageConflict = errors.New("budget: stage conflict")
)

const (
	// ProcedureStageCount is fixed: every procedure has exactly three stages.
	ProcedureStageCount = 3

	maxStageHours   = 1000
	maxPackageHours = 500
)

// StageSpec describes one stage of a procedure service at setup time.
type StageSpec struct {
	Description string
	Hours       int
}

// ValidateStages checks a procedure's stage specs before any tree is built.
func ValidateStages(specs []StageSpec) error {
	if len(specs) != ProcedureStageCount {
		return fmt.Errorf("%w: expected %d stages, got %d", ErrValidation, ProcedureStageCount, len(specs))
	}
	for i, spec := range specs {
		if spec.Description == "" {
			return fmt.Errorf("%w: stage %d missing description", ErrValidation, i+1)
		}
		if spec.Hours <= 0 || spec.Hours > maxStageHours {
			return fmt.Errorf("%w: stage %d hours must be in (0, %d], got %d", ErrValidation, i+1, maxStageHours, spec.Hours)
		}
	}
	return nil
}

// ValidatePackage checks the structural invariants of a package, used by
// loaders and the repair path before trusting stored rows.
func ValidatePackage(p *Package) error {
	if p == nil {
		return fmt.Errorf("%w: nil package", ErrValidation)
	}
	if p.TotalMinutes <= 0 {
		return fmt.Errorf("%w: package %s has non-positive total", ErrValidation, p.ID)
	}
	if p.UsedMinutes < 0 {
		return fmt.Errorf("%w: package %s has negative used minutes", ErrValidation, p.ID)
	}
	switch p.Status {
	case StatusPending, StatusActive, StatusDepleted:
	default:
		return fmt.Errorf("%w: package %s has unknown status %q", ErrValidation, p.ID, p.Status)
	}
	switch p.Type {
	case TypeInitial, TypeAdditional, TypeRenewal:
	default:
		return fmt.Errorf("%w: package %s has unknown type %q", ErrValidation, p.ID, p.Type)
	}
	return nil
}

// NewFlatService builds a flat hour pool: one implicit stage (order 0)
// carrying a single active initial package.
func NewFlatService(hours int) (*Service, error) {
	if hours <= 0 || hours > maxStageHours {
		return nil, fmt.Errorf("%w: flat service hours must be in (0, %d], got %d", ErrValidation, maxStageHours, hours)
	}

	stage := &Stage{
		Order:  0,
		Status: StatusActive,
		Packages: []*Package{{
			Type:         TypeInitial,
			TotalMinutes: int64(hours) * MinutesPerHour,
			Status:       StatusActive,
		}},
	}

	return &Service{
		Kind:   KindFlat,
		Stages: []*Stage{stage},
	}, nil
}

// NewProcedureService builds a three-stage procedure. Stage 1 starts active
// with an active initial package; stages 2 and 3 start pending, each funded
// by a pending initial package.
func NewProcedureService(specs []StageSpec) (*Service, error) {
	if err := ValidateStages(specs); err != nil {
		return nil, err
	}

	svc := &Service{Kind: KindProcedure}
	for i, spec := range specs {
		status := StatusPending
		if i == 0 {
			status = StatusActive
		}
		svc.Stages = append(svc.Stages, &Stage{
			Order:       i + 1,
			Description: spec.Description,
			Status:      status,
			Packages: []*Package{{
				Type:         TypeInitial,
				TotalMinutes: int64(spec.Hours) * MinutesPerHour,
				Status:       status,
			}},
		})
	}
	return svc, nil
}

// AddPackage appends an allocation of hours to the stage. The package's
// initial status matches the stage's current status, and the stage's derived
// total/remaining grow by the same amount as a single in-memory mutation.
func (s *Stage) AddPackage(hours int, reason string, typ PackageType) (*Package, error) {
	if hours <= 0 || hours > maxPackageHours {
		return nil, fmt.Errorf("%w: package hours must be in (0, %d], got %d", ErrValidation, maxPackageHours, hours)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: package reason is required", ErrValidation)
	}
	switch typ {
	case TypeInitial, TypeAdditional, TypeRenewal:
	default:
		return nil, fmt.Errorf("%w: unknown package type %q", ErrValidation, typ)
	}

	status := s.Status
	if status == StatusDepleted {
		// Fresh hours reopen an exhausted stage's package queue; the stage
		// itself stays depleted until advancement policy says otherwise.
		status = StatusActive
	}

	pkg := &Package{
		StageID:      s.ID,
		Type:         typ,
		Reason:       reason,
		TotalMinutes: int64(hours) * MinutesPerHour,
		Status:       status,
	}
	s.Packages = append(s.Packages, pkg)
	return pkg, nil
}

// AdvanceStage moves the service's single active stage to the stage with the
// given order. The trigger policy (manual vs automatic on depletion) belongs
// to the caller; this only upholds exactly-one-active.
func AdvanceStage(svc *Service, toOrder int) error {
	if svc.Kind != KindProcedure {
		return fmt.Errorf("%w: flat services have no stages to advance", ErrValidation)
	}

	var target *Stage
	for _, st := range svc.Stages {
		if st.Order == toOrder {
			target = st
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no stage with order %d", ErrValidation, toOrder)
	}
	if target.Status == StatusActive {
		return nil
	}
	if target.Status == StatusDepleted {
		return fmt.Errorf("%w: stage %d already depleted", ErrStageConflict, toOrder)
	}

	for _, st := range svc.Stages {
		if st.Status == StatusActive {
			st.Status = StatusDepleted
			for _, p := range st.Packages {
				if p.Status == StatusActive {
					p.Status = StatusDepleted
				}
			}
		}
	}
	target.Status = StatusActive
	for _, p := range target.Packages {
		if p.Status == StatusPending {
			p.Status = StatusActive
		}
	}
	return nil
}
