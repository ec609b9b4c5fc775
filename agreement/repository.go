package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"locumbook/booking"
)

var (
	// ErrDuplicateIdempotencyKey signals the key belongs to an effect that already completed.
	ErrDuplicateIdempotencyKey = errors.New("agreement: duplicate idempotency key")
	// ErrIdempotencyKeyHeld signals another caller reserved the key and has not finished yet.
	ErrIdempotencyKeyHeld = errors.New("agreement: idempotency key held")
	// ErrAgreementNotFound is returned when no agreement row exists for the provided identifier.
	ErrAgreementNotFound = fmt.Errorf("%w: agreement", booking.ErrNotFound)
)

// Repository persists agreements. Update is the only mutation path and must give the callback
// exclusive access to the row for the duration of the read-modify-write.
type Repository interface {
	// Create inserts a unless the contract already has an agreement, in which case the existing
	// record is returned with created=false.
	Create(ctx context.Context, a Agreement, changes ...Change) (rec Agreement, created bool, err error)
	Get(ctx context.Context, id string) (Agreement, error)
	GetByContract(ctx context.Context, contractID string) (Agreement, error)
	ListForUser(ctx context.Context, filters ListFilters) ([]Agreement, error)
	Update(ctx context.Context, id string, fn func(a *Agreement) ([]Change, error)) (Agreement, error)
	Timeline(ctx context.Context, agreementID string) ([]TimelineEvent, error)
	// ListAll pages through every agreement for operators and reports the total match count.
	ListAll(ctx context.Context, filters AdminFilters) ([]Agreement, int, error)
	// Statistics counts every agreement; staleBefore marks the stale cutoff.
	Statistics(ctx context.Context, staleBefore time.Time) (Statistics, error)
}

// IdempotencyStore reserves keys so an effect runs at most once per key. A key is reserved while
// its effect runs and completed once it succeeded. Reserve returns ErrDuplicateIdempotencyKey for
// a completed key and ErrIdempotencyKeyHeld for a live reservation; a reservation older than the
// store's lease is taken over.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) error
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// OutboxWriter takes messages for the relay from the in-process repositories. The Postgres
// repositories write the outbox table inside their transactions instead.
type OutboxWriter interface {
	Enqueue(topic string, payload []byte)
}

// DefaultReservationLease bounds how long a crashed caller can hold an invoice key.
const DefaultReservationLease = 2 * time.Minute

type ListFilters struct {
	UserID string
	Status Status
	Limit  int
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is the subset of pgxpool.Pool used by the Postgres repositories.
type DB interface {
	TxBeginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const agreementColumns = `
id::text, agreement_number, contract_id::text, application_id::text, candidate_id,
client_user_id, agency_user_id, applicant_role, agreement_type, status,
client_signed, client_signed_name, client_signature_ref, client_signed_at, client_signed_ip,
agency_signed, agency_signed_name, agency_signature_ref, agency_signed_at, agency_signed_ip,
fees_requires_input, agency_fees::text, fee_type, fee_description, decline_reason,
created_at, updated_at, expires_at`

type PGRepository struct {
	db DB
}

func NewPGRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, a Agreement, changes ...Change) (Agreement, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
INSERT INTO agreements (id, agreement_number, contract_id, application_id, candidate_id,
    client_user_id, agency_user_id, applicant_role, agreement_type, status, fees_requires_input, fee_type, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (contract_id) DO NOTHING
RETURNING ` + agreementColumns

	rec, err := scanAgreement(tx.QueryRow(ctx, insertSQL,
		a.ID,
		a.Number,
		a.ContractID,
		a.ApplicationID,
		a.CandidateID,
		a.ClientUserID,
		a.AgencyUserID,
		string(a.ApplicantRole),
		string(a.Type),
		string(a.Status),
		a.Fees.RequiresInput,
		string(a.Fees.FeeType),
		a.ExpiresAt,
	))
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		// Another booking delivery created it first.
		existing, err := scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE contract_id = $1`, a.ContractID))
		if err != nil {
			return Agreement{}, false, fmt.Errorf("agreement: load existing for contract: %w", err)
		}
		return existing, false, nil
	default:
		return Agreement{}, false, fmt.Errorf("agreement: insert: %w", err)
	}

	for _, c := range changes {
		if err := insertTimelineEvent(ctx, tx, rec.ID, c); err != nil {
			return Agreement{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, false, fmt.Errorf("agreement: commit create: %w", err)
	}
	return rec, true, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Agreement, error) {
	rec, err := scanAgreement(r.db.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id))
	if err != nil {
		if isMissing(err) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetByContract(ctx context.Context, contractID string) (Agreement, error) {
	rec, err := scanAgreement(r.db.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE contract_id = $1`, contractID))
	if err != nil {
		if isMissing(err) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get by contract: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, filters ListFilters) ([]Agreement, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 50
	}

	query := `
SELECT ` + agreementColumns + `
FROM agreements
WHERE (client_user_id = $1 OR agency_user_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3`

	rows, err := r.db.Query(ctx, query, filters.UserID, string(normalizeStatus(filters.Status)), filters.Limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Agreement, 0, 8)
	for rows.Next() {
		rec, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

// Update locks the agreement row, applies fn and writes the result, its timeline entries and,
// when the agreement just became fully signed, the completion outbox message in one transaction.
func (r *PGRepository) Update(ctx context.Context, id string, fn func(a *Agreement) ([]Change, error)) (Agreement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isMissing(err) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: lock: %w", err)
	}

	before := normalizeStatus(current.Status)
	changes, err := fn(&current)
	if err != nil {
		return Agreement{}, err
	}

	const updateSQL = `
UPDATE agreements
SET status = $2,
    client_signed = $3, client_signed_name = $4, client_signature_ref = $5, client_signed_at = $6, client_signed_ip = $7,
    agency_signed = $8, agency_signed_name = $9, agency_signature_ref = $10, agency_signed_at = $11, agency_signed_ip = $12,
    fees_requires_input = $13, agency_fees = $14::numeric, fee_type = $15, fee_description = $16,
    decline_reason = $17,
    updated_at = now()
WHERE id = $1
RETURNING ` + agreementColumns

	cName, cRef, cAt, cIP := signatureColumns(current.ClientSignature)
	aName, aRef, aAt, aIP := signatureColumns(current.AgencySignature)
	var fees *string
	if current.Fees.AgencyFees != nil {
		s := current.Fees.AgencyFees.String()
		fees = &s
	}

	updated, err := scanAgreement(tx.QueryRow(ctx, updateSQL,
		id,
		string(current.Status),
		current.ClientSigned, cName, cRef, cAt, cIP,
		current.AgencySigned, aName, aRef, aAt, aIP,
		current.Fees.RequiresInput, fees, string(current.Fees.FeeType), current.Fees.Description,
		current.DeclineReason,
	))
	if err != nil {
		if isRejectedValue(err) {
			return Agreement{}, fmt.Errorf("%w: agreement: %s", booking.ErrValidation, rejectedValueDetail(err))
		}
		return Agreement{}, fmt.Errorf("agreement: update: %w", err)
	}

	for _, c := range changes {
		if err := insertTimelineEvent(ctx, tx, id, c); err != nil {
			return Agreement{}, err
		}
	}

	if before != StatusFullySigned && normalizeStatus(updated.Status) == StatusFullySigned {
		payload := map[string]any{
			"agreement_id": updated.ID,
			"contract_id":  updated.ContractID,
		}
		if err := enqueueOutbox(ctx, tx, OutboxTopicFullySigned, payload); err != nil {
			return Agreement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) Timeline(ctx context.Context, agreementID string) ([]TimelineEvent, error) {
	const query = `
SELECT id, agreement_id::text, type, actor_id, created_at, payload
FROM timeline_events
WHERE agreement_id = $1
ORDER BY id`

	rows, err := r.db.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Type, &ev.ActorID, &ev.CreatedAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("agreement: scan timeline: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate timeline: %w", err)
	}
	return out, nil
}

// adminWhere is the overview filter shared by the page and count queries.
const adminWhere = `
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR agreement_type = $2)
  AND ($3 = '' OR agreement_number ILIKE $3 OR contract_id::text ILIKE $3
       OR client_user_id ILIKE $3 OR agency_user_id ILIKE $3)
  AND ($4::timestamptz IS NULL OR created_at >= $4)
  AND ($5::timestamptz IS NULL OR created_at < $5)
  AND ($6::timestamptz IS NULL OR (created_at < $6 AND status NOT IN ('fully_signed', 'expired', 'rejected')))`

func (r *PGRepository) ListAll(ctx context.Context, filters AdminFilters) ([]Agreement, int, error) {
	args := []any{
		string(normalizeStatus(filters.Status)),
		string(filters.Type),
		likePattern(filters.Search),
		filters.CreatedFrom,
		filters.CreatedTo,
		filters.StaleBefore,
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM agreements`+adminWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count overview: %w", err)
	}

	query := `SELECT ` + agreementColumns + ` FROM agreements` + adminWhere + `
ORDER BY created_at DESC, id DESC
LIMIT $7 OFFSET $8`
	rows, err := r.db.Query(ctx, query, append(args, filters.Limit, filters.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list overview: %w", err)
	}
	defer rows.Close()

	out := make([]Agreement, 0, filters.Limit)
	for rows.Next() {
		rec, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: iterate overview: %w", err)
	}
	return out, total, nil
}

func (r *PGRepository) Statistics(ctx context.Context, staleBefore time.Time) (Statistics, error) {
	const query = `
SELECT status, agreement_type, count(*),
       count(*) FILTER (WHERE created_at < $1 AND status NOT IN ('fully_signed', 'expired', 'rejected'))
FROM agreements
GROUP BY status, agreement_type`

	rows, err := r.db.Query(ctx, query, staleBefore)
	if err != nil {
		return Statistics{}, fmt.Errorf("agreement: statistics: %w", err)
	}
	defer rows.Close()

	stats := newStatistics()
	for rows.Next() {
		var (
			status, typ string
			n, stale    int
		)
		if err := rows.Scan(&status, &typ, &n, &stale); err != nil {
			return Statistics{}, fmt.Errorf("agreement: scan statistics: %w", err)
		}
		stats.add(Status(status), AgreementType(typ), n, stale)
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, fmt.Errorf("agreement: iterate statistics: %w", err)
	}
	return stats, nil
}

// likePattern turns a search term into a substring ILIKE pattern, or "" for no filter.
func likePattern(term string) string {
	if term == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return "%" + escaped + "%"
}

// PGIdempotencyStore reserves keys in the idempotency table.
type PGIdempotencyStore struct {
	db    DB
	lease time.Duration
}

func NewPGIdempotencyStore(db DB) *PGIdempotencyStore {
	return &PGIdempotencyStore{db: db, lease: DefaultReservationLease}
}

func (s *PGIdempotencyStore) WithLease(d time.Duration) *PGIdempotencyStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// Reserve inserts the key as reserved, or takes over a reservation whose lease ran out.
func (s *PGIdempotencyStore) Reserve(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	const reserveSQL = `
INSERT INTO idempotency (key, status, reserved_at)
VALUES ($1, 'reserved', now())
ON CONFLICT (key) DO UPDATE
SET reserved_at = now()
WHERE idempotency.status = 'reserved'
  AND idempotency.reserved_at < now() - make_interval(secs => $2)
RETURNING key`

	var got string
	err := s.db.QueryRow(ctx, reserveSQL, key, s.lease.Seconds()).Scan(&got)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("agreement: reserve idempotency key: %w", err)
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM idempotency WHERE key = $1`, key).Scan(&status)
	switch {
	case err == nil && status == "completed":
		return ErrDuplicateIdempotencyKey
	case err == nil, errors.Is(err, pgx.ErrNoRows):
		// Live reservation, or released between the two statements; either way retry later.
		return ErrIdempotencyKeyHeld
	default:
		return fmt.Errorf("agreement: read idempotency key: %w", err)
	}
}

func (s *PGIdempotencyStore) Complete(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `UPDATE idempotency SET status = 'completed', completed_at = now() WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("agreement: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agreement: complete idempotency key %s: not reserved", key)
	}
	return nil
}

// Release drops a reservation. Completed keys are never released.
func (s *PGIdempotencyStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency WHERE key = $1 AND status = 'reserved'`, key); err != nil {
		return fmt.Errorf("agreement: release idempotency key: %w", err)
	}
	return nil
}

func isMissing(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	// Malformed uuid literals can never match a row.
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// isRejectedValue reports a value the schema refused: a failed CHECK or a numeric overflow.
func isRejectedValue(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23514" || pgErr.Code == "22003")
}

func rejectedValueDetail(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return "value rejected by " + pgErr.ConstraintName
	}
	return "value out of range"
}

func signatureColumns(sig *Signature) (name, ref *string, at *time.Time, ip *string) {
	if sig == nil {
		return nil, nil, nil, nil
	}
	return &sig.SignedName, &sig.SignatureImageRef, &sig.CapturedAt, &sig.OriginAddress
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a           Agreement
		role        string
		typ         string
		status      string
		feeType     string
		fees        *string
		cName, cRef *string
		cIP         *string
		cAt         *time.Time
		aName, aRef *string
		aIP         *string
		aAt         *time.Time
	)
	err := row.Scan(
		&a.ID, &a.Number, &a.ContractID, &a.ApplicationID, &a.CandidateID,
		&a.ClientUserID, &a.AgencyUserID, &role, &typ, &status,
		&a.ClientSigned, &cName, &cRef, &cAt, &cIP,
		&a.AgencySigned, &aName, &aRef, &aAt, &aIP,
		&a.Fees.RequiresInput, &fees, &feeType, &a.Fees.Description, &a.DeclineReason,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
	)
	if err != nil {
		return Agreement{}, err
	}

	a.ApplicantRole, err = booking.ParseApplicantRole(role)
	if err != nil {
		return Agreement{}, err
	}
	a.Type = AgreementType(typ)
	a.Status = normalizeStatus(Status(status))
	a.Fees.FeeType = FeeType(feeType)
	if fees != nil {
		d, err := decimal.NewFromString(*fees)
		if err != nil {
			return Agreement{}, fmt.Errorf("agreement: parse agency fees: %w", err)
		}
		a.Fees.AgencyFees = &d
	}
	if a.ClientSigned && cAt != nil {
		a.ClientSignature = &Signature{SignerRole: booking.PartyClient, SignedName: deref(cName), SignatureImageRef: deref(cRef), CapturedAt: *cAt, OriginAddress: deref(cIP)}
	}
	if a.AgencySigned && aAt != nil {
		a.AgencySignature = &Signature{SignerRole: booking.PartyAgency, SignedName: deref(aName), SignatureImageRef: deref(aRef), CapturedAt: *aAt, OriginAddress: deref(aIP)}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
