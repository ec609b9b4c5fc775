// Package outbox relays messages written transactionally alongside state changes.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// Store hands batches of undelivered messages to fn. A message is marked delivered when fn
// returns nil and rescheduled otherwise.
type Store interface {
	Process(ctx context.Context, topics []string, limit int, fn func(ctx context.Context, m Message) error) (int, error)
}

const maxBackoff = 5 * time.Minute

// backoff is the delay before the next attempt after the given number of failures.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 9 {
		return maxBackoff
	}
	d := time.Second << uint(attempts-1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Process claims up to limit rows with FOR UPDATE SKIP LOCKED, so concurrent workers and
// replicas never deliver the same row at the same time.
func (s *PGStore) Process(ctx context.Context, topics []string, limit int, fn func(ctx context.Context, m Message) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE delivered_at IS NULL
  AND available_at <= now()
  AND topic = ANY($1)
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, claimSQL, topics, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts)
		return m, err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan: %w", err)
	}

	for _, m := range batch {
		if derr := fn(ctx, m); derr != nil {
			delay := backoff(m.Attempts + 1)
			if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1, last_error = $2, available_at = now() + $3::interval
WHERE id = $1`, m.ID, derr.Error(), fmt.Sprintf("%d milliseconds", delay.Milliseconds())); err != nil {
				return 0, fmt.Errorf("outbox: reschedule %d: %w", m.ID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET delivered_at = now(), attempts = attempts + 1, last_error = NULL WHERE id = $1`, m.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark delivered %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return len(batch), nil
}
