package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"locumbook/agreement"
	"locumbook/booking"
	"locumbook/db"
)

func TestConcurrentAcceptCreatesOneAgreement_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewPGRepository(pool)
	mgr := agreement.NewManager(agreement.NewPGRepository(pool))
	coord := NewCoordinator(repo).WithAgreementCreator(mgr)

	owner := fmt.Sprintf("institute-%d", time.Now().UnixNano())
	contract, err := coord.RegisterContract(ctx, uuid.NewString(), owner)
	if err != nil {
		t.Fatalf("register contract: %v", err)
	}

	apps := make([]Application, 0, 5)
	for i := 0; i < 5; i++ {
		app, err := coord.Submit(ctx, SubmitParams{
			ContractID:      contract.ID,
			ApplicantUserID: fmt.Sprintf("nurse-%d-%d", i, time.Now().UnixNano()),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		apps = append(apps, app)
	}

	results := make([]error, len(apps))
	var g errgroup.Group
	for i, app := range apps {
		i, app := i, app
		g.Go(func() error {
			_, results[i] = coord.Accept(ctx, AcceptParams{
				ContractID:    contract.ID,
				ApplicationID: app.ID,
				ActingUserID:  owner,
			})
			return nil
		})
	}
	_ = g.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, booking.ErrConflict):
		default:
			t.Fatalf("accept %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	var accepted, pending int
	if err := pool.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE status = 'accepted'), COUNT(*) FILTER (WHERE status = 'pending')
FROM contract_applications WHERE contract_id = $1`, contract.ID).Scan(&accepted, &pending); err != nil {
		t.Fatalf("inspect applications: %v", err)
	}
	if accepted != 1 || pending != 0 {
		t.Fatalf("expected 1 accepted and 0 pending, got accepted=%d pending=%d", accepted, pending)
	}

	var agreements, booked int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM agreements WHERE contract_id = $1`, contract.ID).Scan(&agreements); err != nil {
		t.Fatalf("count agreements: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'contract_id' = $2`, agreement.OutboxTopicContractBooked, contract.ID).Scan(&booked); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if agreements != 1 || booked != 1 {
		t.Fatalf("expected one agreement and one booking event, got agreements=%d events=%d", agreements, booked)
	}
}

func TestRegisterContractIDs_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	coord := NewCoordinator(NewPGRepository(pool))
	owner := fmt.Sprintf("institute-%d", time.Now().UnixNano())

	generated, err := coord.RegisterContract(ctx, "", owner)
	if err != nil {
		t.Fatalf("register without id: %v", err)
	}
	if _, err := uuid.Parse(generated.ID); err != nil {
		t.Fatalf("expected generated uuid, got %q", generated.ID)
	}

	_, err = coord.RegisterContract(ctx, "c-1", owner)
	if !errors.Is(err, booking.ErrValidation) {
		t.Fatalf("expected validation error for non-uuid id, got %v", err)
	}
}
