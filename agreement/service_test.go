package agreement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"locumbook/booking"
)

func TestInvoiceDispatcher_Idempotent(t *testing.T) {
	trigger := &countingTrigger{}
	d := NewInvoiceDispatcher(NewMemoryIdempotencyStore(), trigger)
	a := Agreement{ID: "agreement-123", ContractID: "contract-1", Status: StatusFullySigned}

	sent, err := d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !sent {
		t.Fatalf("expected first dispatch to send")
	}

	sent, err = d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("expected nil error on redelivery, got %v", err)
	}
	if sent {
		t.Errorf("expected redelivery to be absorbed")
	}
	if trigger.count() != 1 {
		t.Errorf("expected exactly one billing call, got %d", trigger.count())
	}
}

func TestInvoiceDispatcher_ReleasesKeyOnFailure(t *testing.T) {
	keys := NewMemoryIdempotencyStore()
	trigger := &countingTrigger{err: errors.New("timeout")}
	d := NewInvoiceDispatcher(keys, trigger)
	a := Agreement{ID: "agreement-xyz", ContractID: "contract-2", Status: StatusFullySigned}

	if _, err := d.Dispatch(context.Background(), a); err == nil {
		t.Fatalf("expected trigger failure to surface")
	}
	if err := keys.Reserve(context.Background(), invoiceKey(a.ID)); err != nil {
		t.Fatalf("expected key to be released after failure, got %v", err)
	}
}

func TestInvoiceDispatcher_HeldKeyIsRetryable(t *testing.T) {
	keys := NewMemoryIdempotencyStore()
	trigger := &countingTrigger{}
	d := NewInvoiceDispatcher(keys, trigger)
	a := Agreement{ID: "agreement-held", ContractID: "contract-3", Status: StatusFullySigned}

	if err := keys.Reserve(context.Background(), invoiceKey(a.ID)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sent, err := d.Dispatch(context.Background(), a)
	if !errors.Is(err, ErrInvoiceInFlight) {
		t.Fatalf("expected in-flight error while the key is held, got sent=%v err=%v", sent, err)
	}
	if trigger.count() != 0 {
		t.Fatalf("expected no billing call while the key is held")
	}

	if err := keys.Release(context.Background(), invoiceKey(a.ID)); err != nil {
		t.Fatalf("release: %v", err)
	}
	sent, err = d.Dispatch(context.Background(), a)
	if err != nil || !sent {
		t.Fatalf("expected dispatch after release to send, got sent=%v err=%v", sent, err)
	}
}

func TestMemoryIdempotencyStore_LeaseAndCompletion(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	keys := NewMemoryIdempotencyStore().
		WithLease(time.Minute).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := keys.Reserve(ctx, "invoice:a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := keys.Reserve(ctx, "invoice:a1"); !errors.Is(err, ErrIdempotencyKeyHeld) {
		t.Fatalf("expected held key, got %v", err)
	}

	// A reservation whose holder vanished is taken over once the lease runs out.
	now = now.Add(2 * time.Minute)
	if err := keys.Reserve(ctx, "invoice:a1"); err != nil {
		t.Fatalf("expected takeover of a stale reservation, got %v", err)
	}
	if err := keys.Complete(ctx, "invoice:a1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	now = now.Add(time.Hour)
	if err := keys.Reserve(ctx, "invoice:a1"); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected completed key to stay taken, got %v", err)
	}
	if err := keys.Release(ctx, "invoice:a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := keys.Reserve(ctx, "invoice:a1"); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected release to leave a completed key alone, got %v", err)
	}
	if err := keys.Complete(ctx, "invoice:unknown"); err == nil {
		t.Fatalf("expected completing an unreserved key to fail")
	}
}

func TestInvoiceDispatcher_RequiresFullySigned(t *testing.T) {
	trigger := &countingTrigger{}
	d := NewInvoiceDispatcher(nil, trigger)

	_, err := d.Dispatch(context.Background(), Agreement{ID: "a1", Status: StatusPendingClient})
	if !errors.Is(err, booking.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if trigger.count() != 0 {
		t.Errorf("expected no billing call")
	}
}

func TestPGIdempotencyStore_Reserve(t *testing.T) {
	cases := []struct {
		name string
		rows []pgx.Row
		want error
	}{
		{name: "fresh key", rows: []pgx.Row{valueRow{"invoice:a1"}}},
		{name: "completed key", rows: []pgx.Row{noRow{}, valueRow{"completed"}}, want: ErrDuplicateIdempotencyKey},
		{name: "live reservation", rows: []pgx.Row{noRow{}, valueRow{"reserved"}}, want: ErrIdempotencyKeyHeld},
		{name: "released mid-check", rows: []pgx.Row{noRow{}, noRow{}}, want: ErrIdempotencyKeyHeld},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &fakeDB{rows: tc.rows}
			err := NewPGIdempotencyStore(db).Reserve(context.Background(), "invoice:a1")
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected reservation, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPGIdempotencyStore_CompleteRequiresReservation(t *testing.T) {
	store := NewPGIdempotencyStore(&fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")})
	if err := store.Complete(context.Background(), "invoice:a1"); err == nil {
		t.Fatalf("expected completing a missing key to fail")
	}

	store = NewPGIdempotencyStore(&fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")})
	if err := store.Complete(context.Background(), "invoice:a1"); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
}

func TestPGRepositoryUpdate_RollsBackWhenMissing(t *testing.T) {
	db := &fakeDB{}
	repo := NewPGRepository(db)

	called := false
	_, err := repo.Update(context.Background(), "missing", func(a *Agreement) ([]Change, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected not found to classify as booking.ErrNotFound")
	}
	if called {
		t.Errorf("expected callback to be skipped")
	}
	if db.tx == nil || !db.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if db.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestIsRejectedValue(t *testing.T) {
	for code, want := range map[string]bool{"23514": true, "22003": true, "23505": false, "22P02": false} {
		if got := isRejectedValue(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})); got != want {
			t.Errorf("code %s: expected %v, got %v", code, want, got)
		}
	}
	if isRejectedValue(errors.New("timeout")) {
		t.Errorf("expected plain errors to pass through")
	}
	if got := rejectedValueDetail(&pgconn.PgError{Code: "23514", ConstraintName: "agreements_agency_fees_check"}); got != "value rejected by agreements_agency_fees_check" {
		t.Errorf("unexpected detail %q", got)
	}
}

type fakeDB struct {
	tx      *fakeTx
	execErr error
	execTag pgconn.CommandTag
	rows    []pgx.Row
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return f.execTag, f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB does not support queries")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	if len(f.rows) == 0 {
		return noRow{}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

type noRow struct{}

func (noRow) Scan(...any) error {
	return pgx.ErrNoRows
}

// valueRow scans a single text column.
type valueRow struct {
	value string
}

func (r valueRow) Scan(dest ...any) error {
	if len(dest) != 1 {
		return fmt.Errorf("valueRow: want 1 destination, got %d", len(dest))
	}
	p, ok := dest[0].(*string)
	if !ok {
		return fmt.Errorf("valueRow: unsupported destination %T", dest[0])
	}
	*p = r.value
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return noRow{}
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
