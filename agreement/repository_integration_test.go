package agreement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"locumbook/booking"
	"locumbook/db"
)

// TestAgreementLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL and drives an
// agency agreement through the fee gate and both signatures, then replays the invoice.
func TestAgreementLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
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

	contractID := uuid.NewString()
	applicationID := uuid.NewString()
	client := fmt.Sprintf("client-%d", time.Now().UnixNano())
	agency := fmt.Sprintf("agency-%d", time.Now().UnixNano())

	if _, err := pool.Exec(ctx, `INSERT INTO contracts (id, publisher_user_id) VALUES ($1, $2)`, contractID, client); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	if _, err := pool.Exec(ctx, `
INSERT INTO contract_applications (id, contract_id, applicant_user_id, applicant_role, status)
VALUES ($1, $2, $3, 'agency', 'accepted')`, applicationID, contractID, agency); err != nil {
		t.Fatalf("seed application: %v", err)
	}

	trigger := &countingTrigger{}
	mgr := NewManager(NewPGRepository(pool)).
		WithInvoiceDispatcher(NewInvoiceDispatcher(NewPGIdempotencyStore(pool), trigger))

	created, err := mgr.CreateFromBooking(ctx, booking.Event{
		ContractID:            contractID,
		AcceptedApplicationID: applicationID,
		ClientUserID:          client,
		ApplicantUserID:       agency,
		ApplicantRole:         booking.RoleAgency,
		AcceptedByUserID:      client,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPendingApplicantFees {
		t.Fatalf("expected pending_applicant_fees, got %s", created.Status)
	}
	if created.Type != TypeAgencyClinic {
		t.Fatalf("expected agency_clinic agreement, got %q", created.Type)
	}

	again, err := mgr.CreateFromBooking(ctx, booking.Event{
		ContractID:            contractID,
		AcceptedApplicationID: applicationID,
		ClientUserID:          client,
		ApplicantUserID:       agency,
		ApplicantRole:         booking.RoleAgency,
	})
	if err != nil {
		t.Fatalf("create (redelivery): %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected redelivery to return %s, got %s", created.ID, again.ID)
	}

	if _, err := mgr.SubmitFee(ctx, FeeParams{AgreementID: created.ID, ActingUserID: agency, Amount: decimal.RequireFromString("500.00")}); err != nil {
		t.Fatalf("submit fee: %v", err)
	}

	img := signatureImage(t)
	if _, err := mgr.Sign(ctx, SignParams{AgreementID: created.ID, ActingUserID: agency, SignedName: "Agency Lead", SignatureImage: img, OriginAddress: "198.51.100.1"}); err != nil {
		t.Fatalf("agency sign: %v", err)
	}
	res, err := mgr.Sign(ctx, SignParams{AgreementID: created.ID, ActingUserID: client, SignedName: "Ward Manager", SignatureImage: img, OriginAddress: "198.51.100.2"})
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if !res.BothSigned || res.Agreement.Status != StatusFullySigned {
		t.Fatalf("expected fully signed, got %+v", res)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'agreement_id' = $2`, OutboxTopicFullySigned, created.ID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 outbox message, got %d", outCount)
	}

	sent, err := mgr.CompleteInvoice(ctx, created.ID)
	if err != nil {
		t.Fatalf("replay invoice: %v", err)
	}
	if sent || trigger.count() != 1 {
		t.Fatalf("expected replay to be absorbed, sent=%v calls=%d", sent, trigger.count())
	}
	var keyStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM idempotency WHERE key = $1`, invoiceKey(created.ID)).Scan(&keyStatus); err != nil {
		t.Fatalf("read invoice key: %v", err)
	}
	if keyStatus != "completed" {
		t.Fatalf("expected completed invoice key, got %s", keyStatus)
	}

	events, err := mgr.Timeline(ctx, created.ID, client)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("expected 7 timeline events, got %d", len(events))
	}

	// Terminal rows are guarded in the database as well.
	if _, err := pool.Exec(ctx, `UPDATE agreements SET status = 'pending_client' WHERE id = $1`, created.ID); err == nil {
		t.Fatalf("expected immutability trigger to reject update")
	}

	_, _ = pool.Exec(ctx, `DELETE FROM idempotency WHERE key = $1`, invoiceKey(created.ID))
}

func TestPGIdempotencyStoreLease_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
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

	key := "invoice:" + uuid.NewString()
	defer pool.Exec(context.Background(), `DELETE FROM idempotency WHERE key = $1`, key)

	store := NewPGIdempotencyStore(pool).WithLease(time.Hour)
	if err := store.Reserve(ctx, key); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Reserve(ctx, key); !errors.Is(err, ErrIdempotencyKeyHeld) {
		t.Fatalf("expected held key, got %v", err)
	}

	// Age the reservation past the lease, as if its holder crashed.
	if _, err := pool.Exec(ctx, `UPDATE idempotency SET reserved_at = now() - interval '2 hours' WHERE key = $1`, key); err != nil {
		t.Fatalf("age reservation: %v", err)
	}
	if err := store.Reserve(ctx, key); err != nil {
		t.Fatalf("expected takeover of a stale reservation, got %v", err)
	}
	if err := store.Complete(ctx, key); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Reserve(ctx, key); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected completed key to stay taken, got %v", err)
	}
}
