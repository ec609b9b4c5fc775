package test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"locumbook/agreement"
	"locumbook/application"
	"locumbook/metrics"
	"locumbook/outbox"
	"locumbook/test/actors"
	"locumbook/test/chaos"
	"locumbook/test/infra"
	"locumbook/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per kind")
	flContracts   = flag.Int("contracts", 20, "number of contracts to compete over")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "randomly terminate backend connections")
)

// invoiceCounter stands in for billing and flags any agreement invoiced twice.
type invoiceCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *invoiceCounter) TriggerInvoice(_ context.Context, _, agreementID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[agreementID]++
	return nil
}

func (c *invoiceCounter) duplicates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, n := range c.calls {
		if n > 1 {
			out = append(out, id)
		}
	}
	return out
}

func TestBookingConcurrency(t *testing.T) {
	if os.Getenv("STRESS") == "" && *flDSN == "" {
		t.Skip("set STRESS=1 or -dsn to run the booking stress test")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	database, err := infra.Provision(ctx, *flDSN)
	if err != nil {
		t.Skipf("no database for stress run: %v", err)
	}
	defer database.Close(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, database.DSN, database.Shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	log := logrus.New()
	log.SetOutput(io.Discard)
	collectors := metrics.New()
	invoices := &invoiceCounter{calls: make(map[string]int)}

	manager := agreement.NewManager(agreement.NewPGRepository(pool)).
		WithInvoiceDispatcher(agreement.NewInvoiceDispatcher(agreement.NewPGIdempotencyStore(pool), invoices)).
		WithLogger(log).
		WithMetrics(collectors).
		WithIDGenerator(uuid.NewString)
	coordinator := application.NewCoordinator(application.NewPGRepository(pool)).
		WithAgreementCreator(manager).
		WithLogger(log).
		WithMetrics(collectors).
		WithIDGenerator(uuid.NewString)
	relay := outbox.NewRelay(outbox.NewPGStore(pool)).
		WithWorkers(2).
		WithInterval(500*time.Millisecond).
		WithLogger(log).
		WithMetrics(collectors).
		Handle(agreement.OutboxTopicContractBooked, outbox.BookingHandler(manager)).
		Handle(agreement.OutboxTopicFullySigned, outbox.InvoiceHandler(manager))

	contracts := mustSeed(t, ctx, coordinator, *flContracts)
	signature := signaturePNG(t)

	stats := &actors.Stats{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	agencyCategory := 3
	for i := 0; i < *flConcurrency; i++ {
		proID := fmt.Sprintf("pro-%d", i)
		agencyID := fmt.Sprintf("agency-%d", i)
		g.Go(func() error { return actors.Applicant(ctx2, coordinator, contracts, proID, nil, stats, stop) })
		g.Go(func() error {
			return actors.Applicant(ctx2, coordinator, contracts, agencyID, &agencyCategory, stats, stop)
		})
		g.Go(func() error { return actors.Acceptor(ctx2, coordinator, contracts, stats, stop) })
		// two signers per party so signatures on one agreement race each other
		for _, user := range []string{proID, agencyID, proID, agencyID} {
			g.Go(func() error { return actors.Signer(ctx2, manager, user, signature, stats, stop) })
		}
	}
	for _, c := range contracts {
		g.Go(func() error { return actors.Signer(ctx2, manager, c.PublisherID, signature, stats, stop) })
	}
	g.Go(func() error { return relay.Run(ctx2) })
	if *flChaos {
		g.Go(func() error {
			killed := chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, 2*time.Second, stop)
			t.Logf("chaos terminated %d backends", killed)
			return nil
		})
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
				// chaos may kill the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
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

	// drain what the relay left behind, then check once more without chaos
	if _, err := relayDrain(ctx, relay); err != nil {
		t.Logf("final drain: %v", err)
	}
	if name, row, err := oracles.Run(ctx, pool); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	if dups := invoices.duplicates(); len(dups) > 0 {
		t.Fatalf("agreements invoiced more than once: %v (seed=%d)", dups, seed)
	}

	t.Logf("submitted=%d accepted=%d rejected=%d withdrawn=%d fees=%d signed=%d completed=%d refused=%d transient=%d last_transient=%v",
		stats.Submitted.Load(), stats.Accepted.Load(), stats.Rejected.Load(), stats.Withdrawn.Load(),
		stats.FeesSet.Load(), stats.Signed.Load(), stats.Completed.Load(), stats.Refused.Load(),
		stats.Transient.Load(), stats.LastErr.Load())
}

// relayDrain processes outbox batches until a pass claims nothing.
func relayDrain(ctx context.Context, relay *outbox.Relay) (int, error) {
	total := 0
	for i := 0; i < 100; i++ {
		n, err := relay.DrainOnce(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

func mustSeed(t *testing.T, ctx context.Context, coord *application.Coordinator, n int) []actors.Contract {
	t.Helper()
	out := make([]actors.Contract, 0, n)
	for i := 0; i < n; i++ {
		c := actors.Contract{ID: uuid.NewString(), PublisherID: fmt.Sprintf("client-%d", i%4)}
		if _, err := coord.RegisterContract(ctx, c.ID, c.PublisherID); err != nil {
			t.Fatalf("seed contract: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func signaturePNG(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	for x := 4; x < 28; x++ {
		img.SetGray(x, 8+(x%3)-1, color.Gray{Y: 0})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode signature: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"contracts", `SELECT id, status, booked_application_id, updated_at FROM contracts ORDER BY updated_at DESC LIMIT 20`},
		{"agreements", `SELECT id, contract_id, status, client_signed, agency_signed, updated_at FROM agreements ORDER BY updated_at DESC LIMIT 20`},
		{"timeline_events", `SELECT id, agreement_id, type, actor_id, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, attempts, delivered_at, last_error FROM outbox ORDER BY id DESC LIMIT 50`},
		{"idempotency", `SELECT key, status, reserved_at, completed_at FROM idempotency ORDER BY created_at DESC LIMIT 50`},
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
