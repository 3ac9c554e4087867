package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hourledger/budget"
	"hourledger/ledger"
	"hourledger/recon"
)

// Case identifies one seeded client and service the actors hammer on.
type Case struct {
	ClientID  string
	ServiceID string
	StageIDs  []string // empty for flat services
}

// TimeLogger logs random work against a case. Every few iterations it reuses
// an already-spent idempotency key and verifies the replay path answers
// instead of double-charging.
func TimeLogger(ctx context.Context, svc *ledger.Service, c Case, worker int, stop <-chan struct{}) error {
	var spent []string
	i := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		i++

		key := fmt.Sprintf("w%d-%d-%d", worker, i, rand.Int63())
		replay := len(spent) > 0 && rand.Intn(4) == 0
		if replay {
			key = spent[rand.Intn(len(spent))]
		}

		stageID := ""
		if len(c.StageIDs) > 0 && rand.Intn(2) == 0 {
			stageID = c.StageIDs[rand.Intn(len(c.StageIDs))]
		}

		summary, err := svc.ApplyDeduction(ctx, ledger.DeductionParams{
			ClientID:       c.ClientID,
			ServiceID:      c.ServiceID,
			StageID:        stageID,
			Minutes:        int64(5 + rand.Intn(120)),
			EmployeeID:     fmt.Sprintf("stress-%d", worker),
			IdempotencyKey: key,
		})
		if err == nil {
			if replay && !summary.Replayed {
				return fmt.Errorf("key %s was already spent but did not replay", key)
			}
			if !replay {
				spent = append(spent, key)
			}
		}
		// contention and chaos-induced connection errors are expected here;
		// the request is simply resubmittable
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// CaseOpener keeps opening new cases, racing the year's sequence row.
func CaseOpener(ctx context.Context, svc *ledger.Service, year int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		specs := []ledger.ServiceSpec{
			{Kind: budget.KindFlat, Description: "stress retainer", Hours: 1 + rand.Intn(50)},
		}
		if rand.Intn(2) == 0 {
			specs = append(specs, ledger.ServiceSpec{
				Kind:        budget.KindProcedure,
				Description: "stress procedure",
				Stages: []budget.StageSpec{
					{Description: "pre-litigation", Hours: 1 + rand.Intn(20)},
					{Description: "first instance", Hours: 1 + rand.Intn(40)},
					{Description: "appeal", Hours: 1 + rand.Intn(20)},
				},
			})
		}

		_, _ = svc.CreateCase(ctx, ledger.CreateCaseParams{
			Year:     year,
			Name:     fmt.Sprintf("Stress Client %d", rand.Int63()),
			Services: specs,
		})
		time.Sleep(time.Duration(30+rand.Intn(70)) * time.Millisecond)
	}
}

// PackageBuyer grows the case's budget while loggers are draining it.
func PackageBuyer(ctx context.Context, svc *ledger.Service, c Case, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		stageID := ""
		if len(c.StageIDs) > 0 {
			stageID = c.StageIDs[rand.Intn(len(c.StageIDs))]
		}
		_, _ = svc.AddPackage(ctx, ledger.AddPackageParams{
			ClientID:  c.ClientID,
			ServiceID: c.ServiceID,
			StageID:   stageID,
			Hours:     1 + rand.Intn(10),
			Reason:    "stress top-up",
		})
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// StageAdvancer randomly moves the procedure's active stage. Conflicts with
// already-depleted stages are expected and tolerated.
func StageAdvancer(ctx context.Context, svc *ledger.Service, c Case, stop <-chan struct{}) error {
	if len(c.StageIDs) == 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_ = svc.AdvanceStage(ctx, c.ClientID, c.ServiceID, 1+rand.Intn(len(c.StageIDs)))
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// Corruptor simulates operator damage: it writes package usage directly,
// bypassing the ledger store. The repair sweep at the end of the run is
// expected to undo everything it does.
func Corruptor(ctx context.Context, pool *pgxpool.Pool, serviceID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_, _ = pool.Exec(ctx, `
UPDATE packages SET used_minutes = used_minutes + $2
WHERE id = (
    SELECT p.id FROM packages p
    JOIN stages st ON st.id = p.stage_id
    WHERE st.service_id = $1
    ORDER BY random() LIMIT 1
)`, serviceID, 2+rand.Intn(30))
		time.Sleep(time.Duration(400+rand.Intn(400)) * time.Millisecond)
	}
}

// Reconciler runs read-only drift checks while writers are active; a
// consistent snapshot must never blow up, whatever it reports.
func Reconciler(ctx context.Context, svc *recon.Service, c Case, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_, _ = svc.Reconcile(ctx, c.ClientID, c.ServiceID, "")
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}
