package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements the reconciliation queries. Drift checks read
// through the pool; only repair-mode writes join a transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoredUsedMinutes sums the package-level used minutes for the scope. This
// is the "stored aggregate" side of the comparison: there is no other stored
// aggregate anywhere, by design.
func (r *PGRepository) StoredUsedMinutes(ctx context.Context, scope Scope) (int64, error) {
	return storedUsedMinutes(ctx, r.pool, scope)
}

// StoredUsedMinutesTx is the transactional variant used during repair.
func (r *PGRepository) StoredUsedMinutesTx(ctx context.Context, tx pgx.Tx, scope Scope) (int64, error) {
	return storedUsedMinutes(ctx, tx, scope)
}

func storedUsedMinutes(ctx context.Context, q rowQuerier, scope Scope) (int64, error) {
	const query = `
SELECT COALESCE(SUM(p.used_minutes), 0)
FROM packages p
JOIN stages st ON st.id = p.stage_id
JOIN services s ON s.id = st.service_id
WHERE s.client_id = $1
  AND s.id = $2
  AND ($3 = '' OR st.id::text = $3)
`
	var sum int64
	if err := q.QueryRow(ctx, query, scope.ClientID, scope.ServiceID, scope.StageID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("recon: stored used minutes: %w", err)
	}
	return sum, nil
}

// TrueUsedMinutes sums the time-entry log for the scope — the ground truth.
func (r *PGRepository) TrueUsedMinutes(ctx context.Context, scope Scope) (int64, error) {
	return trueUsedMinutes(ctx, r.pool, scope)
}

// TrueUsedMinutesTx is the transactional variant used during repair.
func (r *PGRepository) TrueUsedMinutesTx(ctx context.Context, tx pgx.Tx, scope Scope) (int64, error) {
	return trueUsedMinutes(ctx, tx, scope)
}

func trueUsedMinutes(ctx context.Context, q rowQuerier, scope Scope) (int64, error) {
	const query = `
SELECT COALESCE(SUM(minutes), 0)
FROM time_entries
WHERE client_id = $1
  AND service_id = $2
  AND ($3 = '' OR stage_id::text = $3)
`
	var sum int64
	if err := q.QueryRow(ctx, query, scope.ClientID, scope.ServiceID, scope.StageID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("recon: true used minutes: %w", err)
	}
	return sum, nil
}

// InsertAudit appends the repair's audit trail row.
func (r *PGRepository) InsertAudit(ctx context.Context, tx pgx.Tx, rec AuditRecord) error {
	const insertSQL = `
INSERT INTO reconciliation_audit (id, client_id, service_id, stage_id, delta_minutes, reason, operator)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := tx.Exec(ctx, insertSQL,
		rec.ID, rec.ClientID, rec.ServiceID, rec.StageID, rec.DeltaMinutes, rec.Reason, rec.Operator,
	)
	if err != nil {
		return fmt.Errorf("recon: insert audit: %w", err)
	}
	return nil
}

// ListServiceIDs returns a client's service ids in creation order.
func (r *PGRepository) ListServiceIDs(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM services WHERE client_id = $1 ORDER BY position`, clientID)
	if err != nil {
		return nil, fmt.Errorf("recon: list services: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recon: scan service id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recon: iterate service ids: %w", err)
	}
	return ids, nil
}

// ListClientIDsAfter pages client ids in id order for checkpointed sweeps.
func (r *PGRepository) ListClientIDsAfter(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
SELECT id FROM clients
WHERE $1 = '' OR id::text > $1
ORDER BY id
LIMIT $2
`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("recon: list clients: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recon: scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recon: iterate client ids: %w", err)
	}
	return ids, nil
}

// GetCheckpoint returns the last processed client id for a named sweep, or
// empty when the sweep has never run.
func (r *PGRepository) GetCheckpoint(ctx context.Context, sweep string) (string, error) {
	var last string
	err := r.pool.QueryRow(ctx,
		`SELECT last_client_id::text FROM recon_checkpoints WHERE sweep = $1`, sweep).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("recon: get checkpoint: %w", err)
	}
	return last, nil
}

// SaveCheckpoint records sweep progress so a cancelled pass restarts from
// the last fully processed client.
func (r *PGRepository) SaveCheckpoint(ctx context.Context, sweep, lastClientID string) error {
	const upsertSQL = `
INSERT INTO recon_checkpoints (sweep, last_client_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (sweep) DO UPDATE SET last_client_id = $2, updated_at = now()
`
	if _, err := r.pool.Exec(ctx, upsertSQL, sweep, lastClientID); err != nil {
		return fmt.Errorf("recon: save checkpoint: %w", err)
	}
	return nil
}
