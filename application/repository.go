package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"locumbook/agreement"
	"locumbook/booking"
)

var (
	ErrApplicationNotFound = fmt.Errorf("%w: application", booking.ErrNotFound)
	ErrContractNotFound    = fmt.Errorf("%w: contract", booking.ErrNotFound)
)

// Repository is the applicant registry store. WithContract is the only write path for
// applications and holds the contract's exclusive lock for the whole callback.
type Repository interface {
	CreateContract(ctx context.Context, c Contract) (Contract, error)
	GetContract(ctx context.Context, id string) (Contract, error)
	Get(ctx context.Context, id string) (Application, error)
	ListForContract(ctx context.Context, contractID string) ([]Application, error)
	WithContract(ctx context.Context, contractID string, fn func(set *ContractSet) error) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const (
	contractColumns    = `id::text, publisher_user_id, status, booked_application_id::text, created_at, updated_at`
	applicationColumns = `id::text, contract_id::text, applicant_user_id, applicant_role, status, candidates, accepted_candidate_id, created_at, updated_at`
)

func (r *PGRepository) CreateContract(ctx context.Context, c Contract) (Contract, error) {
	const query = `
INSERT INTO contracts (id, publisher_user_id, status)
VALUES ($1, $2, $3)
RETURNING ` + contractColumns

	out, err := scanContract(r.pool.QueryRow(ctx, query, c.ID, c.PublisherUserID, string(c.Status)))
	if err != nil {
		if isUniqueViolation(err) {
			return Contract{}, fmt.Errorf("%w: contract %s already registered", booking.ErrConflict, c.ID)
		}
		if isInvalidText(err) {
			return Contract{}, fmt.Errorf("%w: contract id %q must be a uuid", booking.ErrValidation, c.ID)
		}
		return Contract{}, fmt.Errorf("application: create contract: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetContract(ctx context.Context, id string) (Contract, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		if isMissing(err) {
			return Contract{}, ErrContractNotFound
		}
		return Contract{}, fmt.Errorf("application: get contract: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Application, error) {
	a, err := scanApplication(r.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM contract_applications WHERE id = $1`, id))
	if err != nil {
		if isMissing(err) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, fmt.Errorf("application: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListForContract(ctx context.Context, contractID string) ([]Application, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+applicationColumns+`
FROM contract_applications
WHERE contract_id = $1
ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("application: list: %w", err)
	}
	return collectApplications(rows)
}

// WithContract locks the contract row and every application row for it, runs fn and writes back
// the recorded changes together with any booking events in a single transaction.
func (r *PGRepository) WithContract(ctx context.Context, contractID string, fn func(set *ContractSet) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contract, err := scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, contractID))
	if err != nil {
		if isMissing(err) {
			return ErrContractNotFound
		}
		return fmt.Errorf("application: lock contract: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT `+applicationColumns+`
FROM contract_applications
WHERE contract_id = $1
ORDER BY created_at, id
FOR UPDATE`, contractID)
	if err != nil {
		return fmt.Errorf("application: lock applications: %w", err)
	}
	apps, err := collectApplications(rows)
	if err != nil {
		return err
	}

	set := newContractSet(contract, apps)
	if err := fn(set); err != nil {
		return err
	}

	for _, app := range set.Applications {
		switch {
		case set.added[app.ID]:
			if err := insertApplication(ctx, tx, app); err != nil {
				return err
			}
		case set.changed[app.ID]:
			if err := updateApplication(ctx, tx, app); err != nil {
				return err
			}
		}
	}

	if set.contractChanged {
		if _, err := tx.Exec(ctx, `
UPDATE contracts
SET status = $2, booked_application_id = $3, updated_at = now()
WHERE id = $1`, contractID, string(set.Contract.Status), set.Contract.BookedApplicationID); err != nil {
			return fmt.Errorf("application: update contract: %w", err)
		}
	}

	for _, ev := range set.events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("application: marshal booking event: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, agreement.OutboxTopicContractBooked, body); err != nil {
			return fmt.Errorf("application: enqueue booking event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contract %s changed concurrently", booking.ErrConflict, contractID)
		}
		return fmt.Errorf("application: commit: %w", err)
	}
	return nil
}

func insertApplication(ctx context.Context, tx pgx.Tx, app Application) error {
	candidates, err := json.Marshal(candidatesOrEmpty(app.Candidates))
	if err != nil {
		return fmt.Errorf("application: marshal candidates: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO contract_applications (id, contract_id, applicant_user_id, applicant_role, status, candidates, accepted_candidate_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $8)`,
		app.ID, app.ContractID, app.ApplicantUserID, string(app.ApplicantRole), string(app.Status), candidates, app.AcceptedCandidateID, app.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: applicant %s already has an active application", booking.ErrConflict, app.ApplicantUserID)
		}
		return fmt.Errorf("application: insert: %w", err)
	}
	return nil
}

func updateApplication(ctx context.Context, tx pgx.Tx, app Application) error {
	candidates, err := json.Marshal(candidatesOrEmpty(app.Candidates))
	if err != nil {
		return fmt.Errorf("application: marshal candidates: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE contract_applications
SET status = $2, candidates = $3::jsonb, accepted_candidate_id = $4, updated_at = now()
WHERE id = $1`, app.ID, string(app.Status), candidates, app.AcceptedCandidateID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contract %s already has an accepted application", booking.ErrConflict, app.ContractID)
		}
		return fmt.Errorf("application: update %s: %w", app.ID, err)
	}
	return nil
}

func candidatesOrEmpty(c []Candidate) []Candidate {
	if c == nil {
		return []Candidate{}
	}
	return c
}

func collectApplications(rows pgx.Rows) ([]Application, error) {
	defer rows.Close()
	out := make([]Application, 0, 8)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("application: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate: %w", err)
	}
	return out, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c      Contract
		status string
	)
	if err := row.Scan(&c.ID, &c.PublisherUserID, &status, &c.BookedApplicationID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Contract{}, err
	}
	c.Status = ContractStatus(status)
	return c, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var (
		a          Application
		role       string
		status     string
		candidates []byte
	)
	if err := row.Scan(&a.ID, &a.ContractID, &a.ApplicantUserID, &role, &status, &candidates, &a.AcceptedCandidateID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Application{}, err
	}
	parsed, err := booking.ParseApplicantRole(role)
	if err != nil {
		return Application{}, err
	}
	a.ApplicantRole = parsed
	a.Status = Status(status)
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &a.Candidates); err != nil {
			return Application{}, fmt.Errorf("application: decode candidates: %w", err)
		}
	}
	if len(a.Candidates) == 0 {
		a.Candidates = nil
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isInvalidText reports a literal the column type could not parse, such as a malformed uuid.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func isMissing(err error) bool {
	// Malformed uuid literals can never match a row.
	return errors.Is(err, pgx.ErrNoRows) || isInvalidText(err)
}
