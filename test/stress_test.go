package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"hourledger/budget"
	"hourledger/casenum"
	"hourledger/ledger"
	"hourledger/recon"
	"hourledger/test/actors"
	"hourledger/test/chaos"
	"hourledger/test/infra"
	"hourledger/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent time loggers per case")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestLedgerConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(pool, ledgerRepo, casenum.NewRepository())
	reconSvc := recon.NewService(pool, recon.NewRepository(pool), ledgerRepo)

	cases := mustSeed(t, ctx, ledgerSvc)
	year := time.Now().Year()

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		worker := i
		for _, c := range cases {
			c := c
			g.Go(func() error { return actors.TimeLogger(ctx2, ledgerSvc, c, worker, stop) })
		}
	}
	g.Go(func() error { return actors.CaseOpener(ctx2, ledgerSvc, year, stop) })
	for _, c := range cases {
		c := c
		g.Go(func() error { return actors.PackageBuyer(ctx2, ledgerSvc, c, stop) })
		g.Go(func() error { return actors.Reconciler(ctx2, reconSvc, c, stop) })
		if len(c.StageIDs) > 0 {
			g.Go(func() error { return actors.StageAdvancer(ctx2, ledgerSvc, c, stop) })
			g.Go(func() error { return actors.Corruptor(ctx2, pool, c.ServiceID, stop) })
		}
	}
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool, oracles.All())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Writers are quiet now. Repair everything the corruptor did, then
	// verify the closing invariants, including stored-vs-log agreement.
	repair, err := reconSvc.Sweep(ctx, recon.SweepOptions{Name: "stress-repair", Repair: true, Operator: "stress"})
	if err != nil {
		t.Fatalf("repair sweep: %v", err)
	}
	t.Logf("repair sweep: %d clients, %d drifted, %d repaired (seed=%d)",
		repair.Processed, len(repair.Drifted), repair.Repaired, seed)

	// A second full pass must find everything already in agreement.
	verify, err := reconSvc.Sweep(ctx, recon.SweepOptions{Name: "stress-verify", Repair: true, Operator: "stress"})
	if err != nil {
		t.Fatalf("verify sweep: %v", err)
	}
	if verify.Repaired != 0 {
		t.Fatalf("repair is not idempotent: second sweep repaired %d (seed=%d)", verify.Repaired, seed)
	}

	name, row, err := oracles.Run(ctx, pool, oracles.Final())
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Final oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed opens one case holding a flat service and one holding a procedure
// service and returns actor handles for both.
func mustSeed(t *testing.T, ctx context.Context, svc *ledger.Service) []actors.Case {
	t.Helper()
	year := time.Now().Year()

	flatRec, err := svc.CreateCase(ctx, ledger.CreateCaseParams{
		Year: year,
		Name: fmt.Sprintf("Seed Flat %d", rand.Int63()),
		Services: []ledger.ServiceSpec{
			{Kind: budget.KindFlat, Description: "seed retainer", Hours: 100},
		},
	})
	if err != nil {
		t.Fatalf("seed flat case: %v", err)
	}

	procRec, err := svc.CreateCase(ctx, ledger.CreateCaseParams{
		Year: year,
		Name: fmt.Sprintf("Seed Procedure %d", rand.Int63()),
		Services: []ledger.ServiceSpec{
			{Kind: budget.KindProcedure, Description: "seed procedure", Stages: []budget.StageSpec{
				{Description: "pre-litigation", Hours: 50},
				{Description: "first instance", Hours: 100},
				{Description: "appeal", Hours: 50},
			}},
		},
	})
	if err != nil {
		t.Fatalf("seed procedure case: %v", err)
	}

	var out []actors.Case
	for _, rec := range []ledger.CaseRecord{flatRec, procRec} {
		client, err := svc.GetClient(ctx, rec.ClientID)
		if err != nil {
			t.Fatalf("load seeded client: %v", err)
		}
		c := actors.Case{ClientID: client.ID, ServiceID: client.Services[0].ID}
		if client.Services[0].Kind == budget.KindProcedure {
			for _, st := range client.Services[0].Stages {
				c.StageIDs = append(c.StageIDs, st.ID)
			}
		}
		out = append(out, c)
	}
	return out
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"service_usage", `SELECT service_id, kind, stored_minutes, entry_minutes FROM stress_service_usage ORDER BY service_id LIMIT 50`},
		{"time_entries", `SELECT id, service_id, stage_id, minutes, idempotency_key, over_budget, logged_at FROM time_entries ORDER BY logged_at DESC LIMIT 50`},
		{"packages", `SELECT id, stage_id, total_minutes, used_minutes, status FROM packages ORDER BY created_at DESC LIMIT 50`},
		{"reconciliation_audit", `SELECT id, service_id, stage_id, delta_minutes, operator, created_at FROM reconciliation_audit ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
