package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"locumbook/agreement"
	"locumbook/booking"
	"locumbook/keylock"
)

// MemoryRepository keeps contracts and applications in process. WithContract serialises
// callers per contract id; different contracts proceed independently.
type MemoryRepository struct {
	locks  *keylock.Map
	now    func() time.Time
	writer agreement.OutboxWriter

	mu           sync.RWMutex
	contracts    map[string]Contract
	applications map[string]Application
	byContract   map[string][]string
	events       []booking.Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:        keylock.New(),
		now:          time.Now,
		contracts:    make(map[string]Contract),
		applications: make(map[string]Application),
		byContract:   make(map[string][]string),
	}
}

// WithOutbox forwards booking events to w in addition to recording them.
func (r *MemoryRepository) WithOutbox(w agreement.OutboxWriter) *MemoryRepository {
	r.writer = w
	return r
}

func (r *MemoryRepository) CreateContract(_ context.Context, c Contract) (Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contracts[c.ID]; ok {
		return Contract{}, fmt.Errorf("%w: contract %s already registered", booking.ErrConflict, c.ID)
	}
	now := r.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.contracts[c.ID] = c
	return c, nil
}

func (r *MemoryRepository) GetContract(_ context.Context, id string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contracts[id]
	if !ok {
		return Contract{}, ErrContractNotFound
	}
	return c, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.applications[id]
	if !ok {
		return Application{}, ErrApplicationNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepository) ListForContract(_ context.Context, contractID string) ([]Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(contractID), nil
}

func (r *MemoryRepository) listLocked(contractID string) []Application {
	ids := r.byContract[contractID]
	out := make([]Application, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.applications[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRepository) WithContract(_ context.Context, contractID string, fn func(set *ContractSet) error) error {
	unlock := r.locks.Lock(contractID)
	defer unlock()

	r.mu.RLock()
	contract, ok := r.contracts[contractID]
	var apps []Application
	if ok {
		apps = r.listLocked(contractID)
	}
	r.mu.RUnlock()
	if !ok {
		return ErrContractNotFound
	}

	set := newContractSet(contract, apps)
	if err := fn(set); err != nil {
		return err
	}

	bodies := make([][]byte, 0, len(set.events))
	for _, ev := range set.events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("application: marshal booking event: %w", err)
		}
		bodies = append(bodies, body)
	}

	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, app := range set.Applications {
		switch {
		case set.added[app.ID]:
			r.applications[app.ID] = app.clone()
			r.byContract[contractID] = append(r.byContract[contractID], app.ID)
		case set.changed[app.ID]:
			app.UpdatedAt = now
			r.applications[app.ID] = app.clone()
		}
	}
	if set.contractChanged {
		c := set.Contract
		c.UpdatedAt = now
		r.contracts[contractID] = c
	}
	r.events = append(r.events, set.events...)
	if r.writer != nil {
		for _, body := range bodies {
			r.writer.Enqueue(agreement.OutboxTopicContractBooked, body)
		}
	}
	return nil
}

// Events returns the booking events recorded so far.
func (r *MemoryRepository) Events() []booking.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]booking.Event, len(r.events))
	copy(out, r.events)
	return out
}
