package budget

import "time"

// MinutesPerHour is the single conversion point between the whole-hour
// quantities accepted at the API boundary and the integer-minute
// representation every stored quantity uses.
const MinutesPerHour int64 = 60

// Status is the lifecycle of a Stage or Package.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusDepleted Status = "depleted"
)

// PackageType records why a package of hours was allocated.
type PackageType string

const (
	TypeInitial    PackageType = "initial"
	TypeAdditional PackageType = "additional"
	TypeRenewal    PackageType = "renewal"
)

// ServiceKind distinguishes a flat hour pool from a three-stage procedure.
type ServiceKind string

const (
	KindFlat      ServiceKind = "flat"
	KindProcedure ServiceKind = "procedure"
)

// Client owns an ordered list of purchased services. CaseNumber is minted by
// the casenum counter in the same transaction that creates the row.
type Client struct {
	ID         string
	CaseNumber string
	Name       string
	Services   []*Service
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Service is a purchased unit of legal work. Flat services keep their single
// implicit stage at Stages[0]; procedure services have exactly three.
// Hour aggregates are never stored on the service, always derived from its
// packages via Totals.
type Service struct {
	ID          string
	ClientID    string
	Kind        ServiceKind
	Description string
	Stages      []*Stage
	CreatedAt   time.Time
}

// Stage is one phase of a procedure service (order 1..3), or the implicit
// container of a flat service's packages (order 0).
type Stage struct {
	ID          string
	ServiceID   string
	Order       int
	Description string
	Status      Status
	Packages    []*Package
	CreatedAt   time.Time
}

// Package is the unit of allocation and the only place hour usage is stored.
// RemainingMinutes may go negative when a deduction overruns the budget.
type Package struct {
	ID           string
	StageID      string
	Type         PackageType
	Reason       string
	TotalMinutes int64
	UsedMinutes  int64
	Status       Status
	CreatedAt    time.Time
}

// Totals is a derived aggregate. Remaining == Total - Used always holds
// because Totals is computed, never stored.
type Totals struct {
	TotalMinutes     int64
	UsedMinutes      int64
	RemainingMinutes int64
}

// Hours reports the total as fractional hours, for display only.
func (t Totals) Hours() float64 { return float64(t.TotalMinutes) / float64(MinutesPerHour) }

// UsedHours reports the used aggregate as fractional hours.
func (t Totals) UsedHours() float64 { return float64(t.UsedMinutes) / float64(MinutesPerHour) }

// RemainingHours reports the remaining aggregate as fractional hours.
func (t Totals) RemainingHours() float64 {
	return float64(t.RemainingMinutes) / float64(MinutesPerHour)
}

// RemainingMinutes is the package-level derived value.
func (p *Package) RemainingMinutes() int64 { return p.TotalMinutes - p.UsedMinutes }

// Totals sums the stage's packages.
func (s *Stage) Totals() Totals {
	var t Totals
	for _, p := range s.Packages {
		t.TotalMinutes += p.TotalMinutes
		t.UsedMinutes += p.UsedMinutes
	}
	t.RemainingMinutes = t.TotalMinutes - t.UsedMinutes
	return t
}

// Totals sums the service's stages.
func (s *Service) Totals() Totals {
	var t Totals
	for _, st := range s.Stages {
		st := st.Totals()
		t.TotalMinutes += st.TotalMinutes
		t.UsedMinutes += st.UsedMinutes
	}
	t.RemainingMinutes = t.TotalMinutes - t.UsedMinutes
	return t
}

// Totals sums the client's services.
func (c *Client) Totals() Totals {
	var t Totals
	for _, svc := range c.Services {
		st := svc.Totals()
		t.TotalMinutes += st.TotalMinutes
		t.UsedMinutes += st.UsedMinutes
	}
	t.RemainingMinutes = t.TotalMinutes - t.UsedMinutes
	return t
}

// ActiveStage returns the service's single active stage, or nil when none is
// active (every stage depleted).
func (s *Service) ActiveStage() *Stage {
	for _, st := range s.Stages {
		if st.Status == StatusActive {
			return st
		}
	}
	return nil
}

// StageByID locates a stage in the service.
func (s *Service) StageByID(stageID string) *Stage {
	for _, st := range s.Stages {
		if st.ID == stageID {
			return st
		}
	}
	return nil
}

// ServiceByID locates a service in the client's list.
func (c *Client) ServiceByID(serviceID string) *Service {
	for _, svc := range c.Services {
		if svc.ID == serviceID {
			return svc
		}
	}
	return nil
}
