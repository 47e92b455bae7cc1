package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// MemoryStore — in-memory хранилище таймеров для тестов.
type MemoryStore struct {
	mu     sync.Mutex
	timers map[string]*domain.Timer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[string]*domain.Timer)}
}

func (s *MemoryStore) UpsertTimer(_ context.Context, t *domain.Timer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[t.ID]; ok {
		existing.Deadline = t.Deadline
		existing.Action = t.Action
		existing.Fired = false
		existing.Epoch++
		t.Epoch = existing.Epoch
		t.Fired = false
		return existing.Epoch, nil
	}

	cp := *t
	cp.Epoch = 1
	cp.Fired = false
	cp.CreatedAt = time.Now()
	s.timers[t.ID] = &cp
	t.Epoch = 1
	return 1, nil
}

func (s *MemoryStore) DueTimers(_ context.Context, now time.Time, limit int) ([]*domain.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Timer, 0)
	for _, t := range s.timers {
		if !t.Fired && !t.Deadline.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	// Порядок выстрелов — по дедлайну, как ORDER BY deadline в Postgres
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingTimers(_ context.Context) ([]*domain.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Timer, 0)
	for _, t := range s.timers {
		if !t.Fired {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkTimerFired(_ context.Context, id string, epoch int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok || t.Fired || t.Epoch != epoch {
		return false, nil
	}
	t.Fired = true
	return true, nil
}

func (s *MemoryStore) CancelTimer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	return nil
}

func (s *MemoryStore) CancelTimersForEntity(_ context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if t.EntityID == entityID {
			delete(s.timers, id)
		}
	}
	return nil
}
