package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hourledger/budget"
	"hourledger/deduction"
)

// PGRepository implements the data access for the ledger store. Mutating
// methods take the caller's transaction so the whole read-modify-write unit
// shares one atomic boundary; reads go through the pool.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LockClient takes the row lock that serializes all writers of one client's
// budget tree. The client row is the transactional document boundary.
func (r *PGRepository) LockClient(ctx context.Context, tx pgx.Tx, clientID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM clients WHERE id = $1 FOR UPDATE`, clientID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
		}
		return fmt.Errorf("ledger: lock client: %w", err)
	}
	return nil
}

// LoadService reads one service subtree (stages ordered, packages in
// creation order) inside the caller's transaction.
func (r *PGRepository) LoadService(ctx context.Context, tx pgx.Tx, clientID, serviceID string) (*budget.Service, error) {
	const svcSQL = `
SELECT id, client_id, kind::text, description, created_at
FROM services
WHERE id = $1 AND client_id = $2
`
	svc := &budget.Service{}
	var kind string
	err := tx.QueryRow(ctx, svcSQL, serviceID, clientID).Scan(&svc.ID, &svc.ClientID, &kind, &svc.Description, &svc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
		}
		return nil, fmt.Errorf("ledger: load service: %w", err)
	}
	svc.Kind = budget.ServiceKind(kind)

	if err := r.loadStages(ctx, tx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *PGRepository) loadStages(ctx context.Context, q querier, svc *budget.Service) error {
	const stageSQL = `
SELECT id, service_id, stage_order, description, status::text, created_at
FROM stages
WHERE service_id = $1
ORDER BY stage_order
`
	rows, err := q.Query(ctx, stageSQL, svc.ID)
	if err != nil {
		return fmt.Errorf("ledger: load stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &budget.Stage{}
		var status string
		if err := rows.Scan(&st.ID, &st.ServiceID, &st.Order, &st.Description, &status, &st.CreatedAt); err != nil {
			return fmt.Errorf("ledger: scan stage: %w", err)
		}
		st.Status = budget.Status(status)
		svc.Stages = append(svc.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: iterate stages: %w", err)
	}

	for _, st := range svc.Stages {
		if err := r.loadPackages(ctx, q, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepository) loadPackages(ctx context.Context, q querier, st *budget.Stage) error {
	const pkgSQL = `
SELECT id, stage_id, pkg_type::text, reason, total_minutes, used_minutes, status::text, created_at
FROM packages
WHERE stage_id = $1
ORDER BY seq
`
	rows, err := q.Query(ctx, pkgSQL, st.ID)
	if err != nil {
		return fmt.Errorf("ledger: load packages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &budget.Package{}
		var typ, status string
		if err := rows.Scan(&p.ID, &p.StageID, &typ, &p.Reason, &p.TotalMinutes, &p.UsedMinutes, &status, &p.CreatedAt); err != nil {
			return fmt.Errorf("ledger: scan package: %w", err)
		}
		p.Type = budget.PackageType(typ)
		p.Status = budget.Status(status)
		st.Packages = append(st.Packages, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: iterate packages: %w", err)
	}
	return nil
}

// querier is satisfied by pgx.Tx and *pgxpool.Pool alike so tree loading can
// serve both the transactional write path and the read contract.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadClient reads the full budget tree outside any transaction. This is the
// read contract consumed by the UI/reporting layer; derived totals come from
// budget.Totals, never from stored aggregates.
func (r *PGRepository) LoadClient(ctx context.Context, clientID string) (*budget.Client, error) {
	const clientSQL = `
SELECT id, case_number, name, created_at, updated_at
FROM clients
WHERE id = $1
`
	c := &budget.Client{}
	err := r.pool.QueryRow(ctx, clientSQL, clientID).Scan(&c.ID, &c.CaseNumber, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("ledger: load client: %w", err)
	}

	const svcSQL = `
SELECT id, client_id, kind::text, description, created_at
FROM services
WHERE client_id = $1
ORDER BY position
`
	rows, err := r.pool.Query(ctx, svcSQL, clientID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		svc := &budget.Service{}
		var kind string
		if err := rows.Scan(&svc.ID, &svc.ClientID, &kind, &svc.Description, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan service: %w", err)
		}
		svc.Kind = budget.ServiceKind(kind)
		c.Services = append(c.Services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate services: %w", err)
	}

	for _, svc := range c.Services {
		if err := r.loadStages(ctx, r.pool, svc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FindTimeEntry returns the entry for an idempotency key, or nil when the
// key has never been spent.
func (r *PGRepository) FindTimeEntry(ctx context.Context, tx pgx.Tx, key string) (*TimeEntry, error) {
	const query = `
SELECT id, client_id, service_id, stage_id, minutes, employee_id, idempotency_key, over_budget, logged_at
FROM time_entries
WHERE idempotency_key = $1
`
	e := &TimeEntry{}
	err := tx.QueryRow(ctx, query, key).Scan(
		&e.ID, &e.ClientID, &e.ServiceID, &e.StageID, &e.Minutes,
		&e.EmployeeID, &e.IdempotencyKey, &e.OverBudget, &e.LoggedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: find time entry: %w", err)
	}
	return e, nil
}

// InsertTimeEntry appends one row to the immutable work log. The unique
// index on idempotency_key is the at-most-one guardrail; a violation maps to
// ErrDuplicateIdempotencyKey for the adapter to resolve.
func (r *PGRepository) InsertTimeEntry(ctx context.Context, tx pgx.Tx, e TimeEntry) error {
	const insertSQL = `
INSERT INTO time_entries (id, client_id, service_id, stage_id, minutes, employee_id, idempotency_key, over_budget)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := tx.Exec(ctx, insertSQL,
		e.ID, e.ClientID, e.ServiceID, e.StageID, e.Minutes,
		e.EmployeeID, e.IdempotencyKey, e.OverBudget,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("ledger: insert time entry: %w", err)
	}
	return nil
}

// ApplyPackageDeltas writes the package usage produced by one deduction.
// Only used_minutes and status move; totals are never touched here.
func (r *PGRepository) ApplyPackageDeltas(ctx context.Context, tx pgx.Tx, deltas []deduction.Delta) error {
	const updateSQL = `
UPDATE packages
SET used_minutes = $2,
    status = $3::budget_status
WHERE id = $1
`
	for _, d := range deltas {
		tag, err := tx.Exec(ctx, updateSQL, d.PackageID, d.NewUsedMinutes, string(d.NewStatus))
		if err != nil {
			return fmt.Errorf("ledger: update package %s: %w", d.PackageID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: package %s", ErrNotFound, d.PackageID)
		}
	}
	return nil
}

// InsertClient creates the client row with its freshly minted case number.
func (r *PGRepository) InsertClient(ctx context.Context, tx pgx.Tx, name, caseNumber string) (CaseRecord, error) {
	const insertSQL = `
INSERT INTO clients (name, case_number)
VALUES ($1, $2)
RETURNING id, case_number, created_at
`
	var rec CaseRecord
	if err := tx.QueryRow(ctx, insertSQL, name, caseNumber).Scan(&rec.ClientID, &rec.CaseNumber, &rec.CreatedAt); err != nil {
		return CaseRecord{}, fmt.Errorf("ledger: insert client: %w", err)
	}
	return rec, nil
}

// InsertServiceTree persists a freshly built service with its stages and
// packages, filling generated ids back into the in-memory tree.
func (r *PGRepository) InsertServiceTree(ctx context.Context, tx pgx.Tx, clientID string, position int, svc *budget.Service) error {
	const svcSQL = `
INSERT INTO services (client_id, kind, description, position)
VALUES ($1, $2::service_kind, $3, $4)
RETURNING id
`
	if err := tx.QueryRow(ctx, svcSQL, clientID, string(svc.Kind), svc.Description, position).Scan(&svc.ID); err != nil {
		return fmt.Errorf("ledger: insert service: %w", err)
	}
	svc.ClientID = clientID

	for _, st := range svc.Stages {
		const stageSQL = `
INSERT INTO stages (service_id, stage_order, description, status)
VALUES ($1, $2, $3, $4::budget_status)
RETURNING id
`
		if err := tx.QueryRow(ctx, stageSQL, svc.ID, st.Order, st.Description, string(st.Status)).Scan(&st.ID); err != nil {
			return fmt.Errorf("ledger: insert stage %d: %w", st.Order, err)
		}
		st.ServiceID = svc.ID

		for _, p := range st.Packages {
			p.StageID = st.ID
			if err := r.InsertPackage(ctx, tx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// InsertPackage appends one package row, filling the generated id.
func (r *PGRepository) InsertPackage(ctx context.Context, tx pgx.Tx, p *budget.Package) error {
	const insertSQL = `
INSERT INTO packages (stage_id, pkg_type, reason, total_minutes, used_minutes, status)
VALUES ($1, $2::package_type, $3, $4, $5, $6::budget_status)
RETURNING id, created_at
`
	err := tx.QueryRow(ctx, insertSQL,
		p.StageID, string(p.Type), p.Reason, p.TotalMinutes, p.UsedMinutes, string(p.Status),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert package: %w", err)
	}
	return nil
}

// SyncStatuses writes back stage and package statuses after an advancement.
func (r *PGRepository) SyncStatuses(ctx context.Context, tx pgx.Tx, svc *budget.Service) error {
	for _, st := range svc.Stages {
		if _, err := tx.Exec(ctx,
			`UPDATE stages SET status = $2::budget_status WHERE id = $1`,
			st.ID, string(st.Status),
		); err != nil {
			return fmt.Errorf("ledger: sync stage %s: %w", st.ID, err)
		}
		for _, p := range st.Packages {
			if _, err := tx.Exec(ctx,
				`UPDATE packages SET status = $2::budget_status WHERE id = $1`,
				p.ID, string(p.Status),
			); err != nil {
				return fmt.Errorf("ledger: sync package %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

// TouchClient bumps the client's updated_at inside the mutation's tx.
func (r *PGRepository) TouchClient(ctx context.Context, tx pgx.Tx, clientID string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE clients SET updated_at = get_tx_timestamp() WHERE id = $1`, clientID,
	); err != nil {
		return fmt.Errorf("ledger: touch client: %w", err)
	}
	return nil
}
