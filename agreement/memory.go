package agreement

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"locumbook/keylock"
)

// MemoryRepository keeps agreements in process. Writers on the same agreement are serialised
// through a per-key lock; the map itself is guarded by mu.
type MemoryRepository struct {
	locks  *keylock.Map
	now    func() time.Time
	writer OutboxWriter

	mu         sync.RWMutex
	byID       map[string]Agreement
	byContract map[string]string
	timeline   map[string][]TimelineEvent
	outbox     []OutboxMessage
	seq        int64
}

// OutboxMessage is a message the memory store would have handed to the relay.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:      keylock.New(),
		now:        time.Now,
		byID:       make(map[string]Agreement),
		byContract: make(map[string]string),
		timeline:   make(map[string][]TimelineEvent),
	}
}

// WithOutbox forwards completion messages to w in addition to recording them.
func (r *MemoryRepository) WithOutbox(w OutboxWriter) *MemoryRepository {
	r.writer = w
	return r
}

// WithClock sets the clock that stamps created_at and updated_at.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *MemoryRepository) Create(_ context.Context, a Agreement, changes ...Change) (Agreement, bool, error) {
	unlock := r.locks.Lock("contract:" + a.ContractID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byContract[a.ContractID]; ok {
		return clone(r.byID[id]), false, nil
	}

	now := r.now().UTC()
	a.Status = normalizeStatus(a.Status)
	a.CreatedAt = now
	a.UpdatedAt = now
	r.byID[a.ID] = clone(a)
	r.byContract[a.ContractID] = a.ID
	r.appendLocked(a.ID, changes, now)
	return clone(a), true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	return clone(a), nil
}

func (r *MemoryRepository) GetByContract(_ context.Context, contractID string) (Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byContract[contractID]
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *MemoryRepository) ListForUser(_ context.Context, filters ListFilters) ([]Agreement, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 50
	}
	status := normalizeStatus(filters.Status)

	r.mu.RLock()
	out := make([]Agreement, 0, 8)
	for _, a := range r.byID {
		if a.ClientUserID != filters.UserID && a.AgencyUserID != filters.UserID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, clone(a))
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	if len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListAll(_ context.Context, filters AdminFilters) ([]Agreement, int, error) {
	r.mu.RLock()
	out := make([]Agreement, 0, 8)
	for _, a := range r.byID {
		if filters.matches(a) {
			out = append(out, clone(a))
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	total := len(out)
	if filters.Offset >= total {
		return []Agreement{}, total, nil
	}
	out = out[filters.Offset:]
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, total, nil
}

func (r *MemoryRepository) Statistics(_ context.Context, staleBefore time.Time) (Statistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := newStatistics()
	for _, a := range r.byID {
		stale := 0
		if !a.Status.Terminal() && a.CreatedAt.Before(staleBefore) {
			stale = 1
		}
		stats.add(a.Status, a.Type, 1, stale)
	}
	return stats, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(a *Agreement) ([]Change, error)) (Agreement, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.RLock()
	current, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return Agreement{}, ErrAgreementNotFound
	}

	working := clone(current)
	before := normalizeStatus(working.Status)
	changes, err := fn(&working)
	if err != nil {
		return Agreement{}, err
	}

	now := r.now().UTC()
	working.Status = normalizeStatus(working.Status)
	working.UpdatedAt = now

	var (
		msg  *OutboxMessage
		body []byte
	)
	if before != StatusFullySigned && working.Status == StatusFullySigned {
		msg = &OutboxMessage{
			Topic: OutboxTopicFullySigned,
			Payload: map[string]any{
				"agreement_id": working.ID,
				"contract_id":  working.ContractID,
			},
		}
		if body, err = json.Marshal(msg.Payload); err != nil {
			return Agreement{}, fmt.Errorf("agreement: marshal outbox payload: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = clone(working)
	r.appendLocked(id, changes, now)
	if msg != nil {
		r.outbox = append(r.outbox, *msg)
		if r.writer != nil {
			r.writer.Enqueue(msg.Topic, body)
		}
	}
	return clone(working), nil
}

func (r *MemoryRepository) Timeline(_ context.Context, agreementID string) ([]TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.timeline[agreementID]
	out := make([]TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

// Outbox returns the completion messages recorded so far.
func (r *MemoryRepository) Outbox() []OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]OutboxMessage, len(r.outbox))
	copy(out, r.outbox)
	return out
}

func (r *MemoryRepository) appendLocked(agreementID string, changes []Change, at time.Time) {
	for _, c := range changes {
		r.seq++
		ev := TimelineEvent{
			ID:          r.seq,
			AgreementID: agreementID,
			Type:        c.Type,
			CreatedAt:   at,
			Payload:     c.Payload,
		}
		if c.ActorID != "" {
			actor := c.ActorID
			ev.ActorID = &actor
		}
		r.timeline[agreementID] = append(r.timeline[agreementID], ev)
	}
}

func sortNewestFirst(items []Agreement) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func clone(a Agreement) Agreement {
	out := a
	if a.CandidateID != nil {
		v := *a.CandidateID
		out.CandidateID = &v
	}
	if a.ClientSignature != nil {
		v := *a.ClientSignature
		out.ClientSignature = &v
	}
	if a.AgencySignature != nil {
		v := *a.AgencySignature
		out.AgencySignature = &v
	}
	if a.Fees.AgencyFees != nil {
		v := *a.Fees.AgencyFees
		out.Fees.AgencyFees = &v
	}
	if a.Fees.Description != nil {
		v := *a.Fees.Description
		out.Fees.Description = &v
	}
	if a.DeclineReason != nil {
		v := *a.DeclineReason
		out.DeclineReason = &v
	}
	if a.ExpiresAt != nil {
		v := *a.ExpiresAt
		out.ExpiresAt = &v
	}
	return out
}

// MemoryIdempotencyStore is the in-process counterpart of PGIdempotencyStore.
type MemoryIdempotencyStore struct {
	now   func() time.Time
	lease time.Duration

	mu   sync.Mutex
	keys map[string]idempotencyEntry
}

type idempotencyEntry struct {
	completed  bool
	reservedAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		now:   time.Now,
		lease: DefaultReservationLease,
		keys:  make(map[string]idempotencyEntry),
	}
}

func (s *MemoryIdempotencyStore) WithClock(now func() time.Time) *MemoryIdempotencyStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *MemoryIdempotencyStore) WithLease(d time.Duration) *MemoryIdempotencyStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.keys[key]; ok {
		if e.completed {
			return ErrDuplicateIdempotencyKey
		}
		if now.Sub(e.reservedAt) < s.lease {
			return ErrIdempotencyKeyHeld
		}
	}
	s.keys[key] = idempotencyEntry{reservedAt: now}
	return nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[key]
	if !ok {
		return fmt.Errorf("agreement: complete idempotency key %s: not reserved", key)
	}
	e.completed = true
	s.keys[key] = e
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.keys[key]; ok && !e.completed {
		delete(s.keys, key)
	}
	return nil
}
