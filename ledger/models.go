package ledger

import (
	"errors"
	"time"

	"hourledger/budget"
)

var (
	// ErrNotFound is returned when the client, service, or stage named by a
	// request does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrContentionExceeded signals the transactional retry budget was
	// exhausted; the store is unchanged and the caller should resubmit.
	ErrContentionExceeded = errors.New("ledger: contention retries exhausted")
	// ErrDuplicateIdempotencyKey signals a time-entry insert hit the unique
	// key guardrail; the adapter resolves it by replaying the winner.
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
)

// TimeEntry is the immutable, append-only record of one logged unit of work.
// Rows are never updated or deleted; they are the ground truth the
// reconciliation engine sums against.
type TimeEntry struct {
	ID             string
	ClientID       string
	ServiceID      string
	StageID        *string
	Minutes        int64
	EmployeeID     string
	IdempotencyKey string
	OverBudget     bool
	LoggedAt       time.Time
}

// DeductionParams identifies one work-logging request.
type DeductionParams struct {
	ClientID       string
	ServiceID      string
	StageID        string // empty for flat services or "active stage" targeting
	Minutes        int64
	EmployeeID     string
	IdempotencyKey string
}

// DeductionSummary is what callers get back: the entry that was (or already
// had been) recorded plus the remaining-hours picture after it. Replayed is
// set when the idempotency key had already been spent and no new deduction
// happened.
type DeductionSummary struct {
	Entry         TimeEntry
	StageTotals   budget.Totals
	ServiceTotals budget.Totals
	OverBudget    bool
	Replayed      bool
}

// ServiceSpec describes one service purchased at case-creation time.
type ServiceSpec struct {
	Kind        budget.ServiceKind
	Description string
	Hours       int                // flat services
	Stages      []budget.StageSpec // procedure services
}

// CreateCaseParams carries everything needed to open a case: the year scopes
// the case-number sequence, Services become the initial budget tree.
type CreateCaseParams struct {
	Year     int
	Name     string
	Services []ServiceSpec
}

// CaseRecord is the persisted identity of a freshly created case.
type CaseRecord struct {
	ClientID   string
	CaseNumber string
	CreatedAt  time.Time
}

// AddPackageParams grows a stage's budget by a fresh package of hours.
type AddPackageParams struct {
	ClientID  string
	ServiceID string
	StageID   string // empty for flat services
	Hours     int
	Reason    string
	Type      budget.PackageType
}
