package lease

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// MemoryManager — in-memory реализация с той же семантикой, что у Redis-версии.
// Используется в тестах и в single-node режиме без Redis.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time // Подменяется в тестах
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]entry),
		now:    time.Now,
	}
}

// SetClock подменяет источник времени (только для тестов).
func (m *MemoryManager) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryManager) Acquire(_ context.Context, scope, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.leases[scope]; ok && e.expiresAt.After(m.now()) {
		return false, nil // Живая аренда другого владельца
	}
	m.leases[scope] = entry{owner: owner, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryManager) Renew(_ context.Context, scope, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[scope]
	if !ok || e.owner != owner || !e.expiresAt.After(m.now()) {
		return ErrNotOwner
	}
	e.expiresAt = m.now().Add(ttl)
	m.leases[scope] = e
	return nil
}

func (m *MemoryManager) Release(_ context.Context, scope, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.leases[scope]; ok && e.owner == owner {
		delete(m.leases, scope)
	}
	return nil
}

func (m *MemoryManager) Holder(_ context.Context, scope string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[scope]
	if !ok || !e.expiresAt.After(m.now()) {
		return "", nil
	}
	return e.owner, nil
}
