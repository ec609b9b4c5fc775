package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for running without Postgres. Like PGStore, a claimed
// message is invisible to other workers until its handler returns, and a failed delivery waits
// out the backoff before it is claimed again. Messages do not survive a restart.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	seq     int64
	pending []*memoryMessage
}

type memoryMessage struct {
	Message
	availableAt time.Time
	claimed     bool
	lastError   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Enqueue appends a message that becomes available immediately.
func (s *MemoryStore) Enqueue(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	body := make([]byte, len(payload))
	copy(body, payload)
	s.pending = append(s.pending, &memoryMessage{
		Message:     Message{ID: s.seq, Topic: topic, Payload: body},
		availableAt: s.now(),
	})
}

func (s *MemoryStore) Process(ctx context.Context, topics []string, limit int, fn func(ctx context.Context, m Message) error) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	batch := s.claim(topics, limit)

	for _, m := range batch {
		err := fn(ctx, m.Message)
		s.settle(m, err)
	}
	return len(batch), nil
}

func (s *MemoryStore) claim(topics []string, limit int) []*memoryMessage {
	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var batch []*memoryMessage
	for _, m := range s.pending {
		if len(batch) == limit {
			break
		}
		if m.claimed || !wanted[m.Topic] || m.availableAt.After(now) {
			continue
		}
		m.claimed = true
		batch = append(batch, m)
	}
	return batch
}

func (s *MemoryStore) settle(m *memoryMessage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.claimed = false
	m.Attempts++
	if err != nil {
		m.lastError = err.Error()
		m.availableAt = s.now().Add(backoff(m.Attempts))
		return
	}
	for i, p := range s.pending {
		if p == m {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// Pending returns the undelivered messages in enqueue order.
func (s *MemoryStore) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m.Message)
	}
	return out
}
