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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"partsflow/advisor"
	"partsflow/config"
	"partsflow/escalate"
	"partsflow/evaluate"
	"partsflow/notify"
	"partsflow/offer"
	"partsflow/request"
	"partsflow/test/actors"
	"partsflow/test/chaos"
	"partsflow/test/infra"
	"partsflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent customer/advisor pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random backend connections during the run")
)

func TestEscalationConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("DATABASE_URL") != "":
		dsn = os.Getenv("DATABASE_URL")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if !dockerAvailable(ctx) {
			t.Skip("docker unavailable and no DSN provided")
		}
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
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

	advisorIDs := seedAdvisors(t, ctx, pool, 3*(*flConcurrency))

	engine := stressEngine()
	logger := zap.NewNop()

	requestRepo := request.NewRepository(pool)
	offerRepo := offer.NewRepository(pool)
	awardRepo := evaluate.NewAwardRepository(pool)
	outbox := notify.NewOutbox()

	scheduler := escalate.NewScheduler(escalate.Deps{
		Pool:       pool,
		Requests:   requestRepo,
		Offers:     offerRepo,
		Candidates: advisor.NewPoolRepository(pool),
		Scorer:     advisor.NewScorer(engine),
		Evaluator:  evaluate.NewEvaluator(engine),
		Awards:     awardRepo,
		Recorder:   evaluate.NewRecorder(evaluate.NewRecordStore(pool), engine.RecordAttempts, engine.RecordBackoffBase, logger),
		Dispatcher: notify.NewOutboxDispatcher(outbox),
		Notified:   notify.NewLog(pool),
		Outbox:     outbox,
	}, engine, logger)
	defer scheduler.Shutdown()

	requestService := request.NewService(pool, requestRepo, engine.Version, engine.MinDesiredOffers).
		WithOutbox(outbox).
		WithOpener(scheduler).
		WithAwardReader(awardRepo)

	collector := offer.NewCollector(pool, offerRepo, requestRepo, engine.Bounds, logger).
		WithFastPath(scheduler)

	reg := &actors.Registry{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		advisorA := advisorIDs[(3*i)%len(advisorIDs)]
		advisorB := advisorIDs[(3*i+1)%len(advisorIDs)]
		advisorC := advisorIDs[(3*i+2)%len(advisorIDs)]
		g.Go(func() error { return actors.Customer(ctx2, requestService, reg, stop) })
		g.Go(func() error { return actors.Advisor(ctx2, collector, advisorA, reg, stop) })
		g.Go(func() error { return actors.Advisor(ctx2, collector, advisorB, reg, stop) })
		g.Go(func() error { return actors.Advisor(ctx2, collector, advisorC, reg, stop) })
	}
	g.Go(func() error { return actors.Canceller(ctx2, scheduler, reg, stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

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
			name, row, err := oracles.Run(ctx2, pool)
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

// stressEngine shrinks the level windows so a run exercises escalation,
// timeouts and terminal closes inside one minute.
func stressEngine() config.Engine {
	engine := config.Default()
	engine.Levels = [config.MaxLevel]config.Level{
		{Timeout: 2 * time.Second, FanOut: 2},
		{Timeout: 2 * time.Second, FanOut: 4},
		{Timeout: 3 * time.Second, FanOut: 6},
		{Timeout: 3 * time.Second, FanOut: 8},
		{Timeout: 4 * time.Second, FanOut: 12},
	}
	engine.MaxOpenRequests = 512
	return engine
}

func seedAdvisors(t *testing.T, ctx context.Context, pool *pgxpool.Pool, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("adv-%d-%d", i, rand.Int63())
		city := []string{"Bogotá", "Medellín", "Cali"}[i%3]
		if _, err := pool.Exec(ctx, `
			INSERT INTO advisors (id, name, city, metro_area, response_rate, recent_responses,
				win_rate, fulfillment_rate, fulfilled_orders, trust_rating, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
		`, id, fmt.Sprintf("Advisor %d", i), city, city,
			rand.Float64(), rand.Intn(50),
			rand.Float64(), rand.Float64(), rand.Intn(100),
			1.0+rand.Float64()*4.0,
		); err != nil {
			t.Fatalf("seed advisor: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"requests", `SELECT id, status, level, offer_count, min_desired_offers FROM requests ORDER BY created_at DESC LIMIT 50`},
		{"offers", `SELECT id, request_id, advisor_id, submitted_at FROM offers ORDER BY submitted_at DESC LIMIT 50`},
		{"awards", `SELECT id, request_id, total_amount, created_at FROM awards ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
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
