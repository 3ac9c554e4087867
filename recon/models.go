package recon

import "time"

// DriftToleranceMinutes is the reporting threshold: stored and true values
// within one minute of each other are considered in agreement.
const DriftToleranceMinutes int64 = 1

// Scope names the ledger node being reconciled: a whole service, or one
// stage of a procedure service when StageID is set.
type Scope struct {
	ClientID  string
	ServiceID string
	StageID   string
}

// Report compares a stored aggregate against the value recomputed from the
// append-only time-entry log. Difference is stored minus true; Drifted is a
// finding, never silently acted on outside repair mode.
type Report struct {
	Scope             Scope
	StoredMinutes     int64
	TrueMinutes       int64
	DifferenceMinutes int64
	Drifted           bool
	CheckedAt         time.Time
}

// AuditRecord is the TimeEntry-like trail a repair leaves behind. Repairs
// never touch time_entries; corrections are only visible here and in the
// rewritten package aggregates.
type AuditRecord struct {
	ID           string
	ClientID     string
	ServiceID    string
	StageID      *string
	DeltaMinutes int64
	Reason       string
	Operator     string
	CreatedAt    time.Time
}

// ReasonReconciliation is the reason recorded on every repair audit row.
const ReasonReconciliation = "reconciliation"

// SweepOptions configures a multi-client reconciliation pass.
type SweepOptions struct {
	Name     string // checkpoint identity; restarting resumes after the last processed client
	Repair   bool
	Operator string
	Limit    int // max clients this invocation; 0 means all remaining
}

// SweepResult summarises one sweep invocation.
type SweepResult struct {
	Processed    int
	Drifted      []Report
	Repaired     int
	LastClientID string
}
