package runs

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// MemoryStore повторяет CAS-семантику и счетчики слотов Postgres-репозитория
// в памяти: для тестов и single-node прогонов.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run

	// Слоты агентов: max и current, как колонки в таблице agents
	maxSlots map[string]int
	curSlots map[string]int
	healthy  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*domain.Run),
		maxSlots: make(map[string]int),
		curSlots: make(map[string]int),
		healthy:  make(map[string]bool),
	}
}

// SeedAgent объявляет агента со слотами (замена строки в agents).
func (s *MemoryStore) SeedAgent(agentID string, maxRuns int, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSlots[agentID] = maxRuns
	s.healthy[agentID] = healthy
}

// SetAgentHealthy переключает доступность агента для резервирования.
func (s *MemoryStore) SetAgentHealthy(agentID string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy[agentID] = healthy
}

// CurrentSlots — занятые слоты агента (для ассертов).
func (s *MemoryStore) CurrentSlots(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSlots[agentID]
}

func (s *MemoryStore) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Version = 1
	cp.CreatedAt = time.Now()
	s.runs[run.ID] = &cp
	run.Version = 1
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRunCAS(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok || cur.Version != run.Version {
		return domain.ErrVersionConflict
	}
	cp := *run
	cp.Version++
	s.runs[run.ID] = &cp
	run.Version = cp.Version
	return nil
}

func (s *MemoryStore) FindSucceededByIdempotencyKey(_ context.Context, key string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.IdempotencyKey == key && run.State == domain.RunSucceeded {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListActiveRunsByAgent(_ context.Context, agentID string) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.AgentID == agentID && run.State.IsActive() {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRunsByState(_ context.Context, state domain.RunState, limit int) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.State == state {
			cp := *run
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpiredWaits(_ context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.State.IsWaiting() && run.Wait != nil && run.Wait.TimeoutAt.Before(now) {
			cp := *run
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ReserveCapacity(_ context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy[agentID] {
		return false, nil
	}
	if s.curSlots[agentID] >= s.maxSlots[agentID] {
		return false, nil
	}
	s.curSlots[agentID]++
	return true, nil
}

func (s *MemoryStore) ReleaseCapacity(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curSlots[agentID] > 0 {
		s.curSlots[agentID]--
	}
	return nil
}
