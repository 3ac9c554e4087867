package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants that must hold at any point of a run, even while
// the corruptor is active. Each query selects violations; zero rows pass.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_idempotency_key_spent_once",
			SQL: `SELECT idempotency_key, COUNT(*) FROM time_entries
                  GROUP BY idempotency_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_case_number_unique",
			SQL: `SELECT case_number, COUNT(*) FROM clients
                  GROUP BY case_number HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_sequence_covers_clients",
			SQL: `SELECT s.year FROM case_sequences s
                  WHERE (SELECT COUNT(*) FROM clients c
                         WHERE c.case_number LIKE s.year::text || '%') > s.last_number`,
		},
		{
			Name: "O4_exactly_one_active_stage",
			SQL: `SELECT sv.id FROM services sv
                  WHERE sv.kind = 'procedure'
                    AND (SELECT COUNT(*) FROM stages st
                         WHERE st.service_id = sv.id AND st.status = 'active') <> 1`,
		},
		{
			Name: "O5_no_negative_usage",
			SQL:  `SELECT id FROM packages WHERE used_minutes < 0`,
		},
		{
			Name: "O6_entry_scope_consistent",
			SQL: `SELECT te.id FROM time_entries te
                  JOIN services sv ON sv.id = te.service_id
                  WHERE sv.client_id <> te.client_id`,
		},
		{
			Name: "O7_entry_minutes_positive",
			SQL:  `SELECT id FROM time_entries WHERE minutes <= 0`,
		},
	}
}

// Final returns the invariants checked after the closing repair sweep, once
// no writer is active and injected corruption should have been healed.
func Final() []Oracle {
	return append(All(),
		Oracle{
			Name: "F1_usage_matches_entry_log",
			SQL: `SELECT sv.id FROM services sv
                  JOIN stages st ON st.service_id = sv.id
                  JOIN packages p ON p.stage_id = st.id
                  GROUP BY sv.id
                  HAVING SUM(p.used_minutes) <>
                         (SELECT COALESCE(SUM(te.minutes), 0)
                          FROM time_entries te WHERE te.service_id = sv.id)`,
		},
		Oracle{
			Name: "F2_full_packages_depleted",
			SQL: `SELECT id FROM packages
                  WHERE used_minutes >= total_minutes AND status <> 'depleted'`,
		},
		Oracle{
			Name: "F3_overdraft_only_on_last_package",
			SQL: `SELECT p.id FROM packages p
                  WHERE p.used_minutes > p.total_minutes
                    AND p.seq <> (SELECT MAX(p2.seq) FROM packages p2
                                  WHERE p2.stage_id = p.stage_id)`,
		},
	)
}

// Run executes the given oracles and returns the first failure (name and a
// sample row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, checks []Oracle) (string, string, error) {
	for _, o := range checks {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
