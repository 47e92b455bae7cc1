package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

// memAgentStore повторяет CAS-семантику Postgres-репозитория в памяти.
type memAgentStore struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func newMemAgentStore() *memAgentStore {
	return &memAgentStore{agents: make(map[string]*domain.Agent)}
}

func (s *memAgentStore) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Version = 1
	s.agents[a.ID] = &cp
	a.Version = 1
	return nil
}

func (s *memAgentStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memAgentStore) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memAgentStore) ListAgentsByState(_ context.Context, state domain.AgentState) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0)
	for _, a := range s.agents {
		if a.State == state {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memAgentStore) UpdateAgentCAS(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[a.ID]
	if !ok || cur.Version != a.Version {
		return domain.ErrVersionConflict
	}
	cp := *a
	cp.Version++
	s.agents[a.ID] = &cp
	a.Version = cp.Version
	return nil
}

func (s *memAgentStore) RecordHeartbeat(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return domain.ErrNotFound
	}
	a.Health.LastHeartbeat = at
	return nil
}

func (s *memAgentStore) StaleAgents(_ context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0)
	for _, a := range s.agents {
		switch a.State {
		case domain.AgentHealthy, domain.AgentDegraded, domain.AgentDraining:
			if a.Health.LastHeartbeat.Before(cutoff) {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// fakeIsolator фиксирует запрос изоляции и выполняет FSM-переход,
// как это делает настоящий Quarantine Manager.
type fakeIsolator struct {
	ctrl    *Controller
	calls   int
	trigger domain.QuarantineTrigger
}

func (f *fakeIsolator) Isolate(ctx context.Context, agentID string, trigger domain.QuarantineTrigger, ruleID, description string, severity domain.Severity) error {
	f.calls++
	f.trigger = trigger
	return f.ctrl.MarkQuarantined(ctx, agentID, "q-"+agentID, description)
}

type fakeReaper struct {
	deaths []string
	active int
}

func (f *fakeReaper) HandleAgentDeath(_ context.Context, agentID string) error {
	f.deaths = append(f.deaths, agentID)
	return nil
}

func (f *fakeReaper) ActiveRunCount(_ context.Context, _ string) (int, error) {
	return f.active, nil
}

func newTestController(t *testing.T) (*Controller, *memAgentStore, *timer.Engine, *events.MemoryBus) {
	t.Helper()
	store := newMemAgentStore()
	eng := timer.NewEngine(timer.NewMemoryStore(), timer.NewMemoryDeduper(), zap.NewNop())
	bus := events.NewMemoryBus()
	ctrl := NewController(store, eng, bus, audit.NopRecorder{}, zap.NewNop(), Options{
		Backoff: domain.BackoffSpec{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxFactor:    8.0, // Потолок после 4 подряд отказов: 2^3=8, 2^4=16
		},
		StartupTimeout:  time.Minute,
		DrainTimeout:    time.Minute,
		HeartbeatWindow: 45 * time.Second,
	})
	ctrl.RegisterTimerHandlers(eng)
	return ctrl, store, eng, bus
}

func seedAgent(t *testing.T, ctrl *Controller, id string) {
	t.Helper()
	require.NoError(t, ctrl.Register(context.Background(), &domain.Agent{
		ID: id, Name: id, Type: "worker",
		Capabilities: []string{"billing.charge"},
		Capacity:     domain.Capacity{MaxConcurrentRuns: 4},
	}))
}

func TestController_HappyPathToHealthy(t *testing.T) {
	ctrl, store, _, bus := newTestController(t)
	ctx := context.Background()
	seedAgent(t, ctrl, "agent-1")

	require.NoError(t, ctrl.Validate(ctx, "agent-1"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-1"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-1", true, ""))

	a, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentHealthy, a.State)
	assert.Equal(t, domain.AgentStarting, a.PreviousState)
	assert.True(t, a.State.AcceptsAssignments())

	// Каждый переход ушел во внешнюю шину
	assert.Len(t, bus.ByType(domain.EventAgentTransition), 4)
}

func TestController_IllegalTransitionRejected(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()
	seedAgent(t, ctrl, "agent-2")

	// registered -> healthy без валидации и запуска — запрещено
	err := ctrl.Transition(ctx, "agent-2", domain.AgentHealthy, "shortcut")
	require.Error(t, err)

	var tErr *domain.StateTransitionError
	require.ErrorAs(t, err, &tErr)

	a, _ := store.GetAgent(ctx, "agent-2")
	assert.Equal(t, domain.AgentRegistered, a.State, "document must stay unchanged")
}

// Scenario A: серия отказов исчерпывает потолок бэкоффа — агент уходит
// в карантин, а не в очередной backoff.
func TestController_BackoffCeilingLeadsToQuarantine(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	iso := &fakeIsolator{ctrl: ctrl}
	ctrl.BindIsolator(iso)

	seedAgent(t, ctrl, "agent-3")
	require.NoError(t, ctrl.Validate(ctx, "agent-3"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-3"))

	// MaxFactor = 8 при multiplier 2: factor(0..3) = 1,2,4,8 — еще допустимо,
	// factor(4) = 16 — потолок пробит.
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.EscalateFailure(ctx, "agent-3", "startup failed"))
		a, _ := store.GetAgent(ctx, "agent-3")
		require.Equal(t, domain.AgentBackoff, a.State, "attempt %d must still back off", i)
		require.NotNil(t, a.Failures.BackoffUntil)

		// Пауза истекла: агент заходит на новый круг регистрации
		require.NoError(t, ctrl.RetryAfterBackoff(ctx, "agent-3"))
		require.NoError(t, ctrl.Validate(ctx, "agent-3"))
		require.NoError(t, ctrl.Allocate(ctx, "agent-3"))
	}

	require.NoError(t, ctrl.EscalateFailure(ctx, "agent-3", "startup failed"))

	a, _ := store.GetAgent(ctx, "agent-3")
	assert.Equal(t, domain.AgentQuarantined, a.State)
	assert.Equal(t, 1, iso.calls)
	assert.Equal(t, domain.TriggerFailureRate, iso.trigger)
	require.NotNil(t, a.QuarantineID)
	assert.Equal(t, 5, a.Failures.ConsecutiveFailures)
}

// Переопределение бэкоффа на агенте важнее настроек движка: потолок
// factor = 1 отправляет агента в карантин уже со второго отказа.
func TestController_ConfigureTimersTightensBackoffCeiling(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	iso := &fakeIsolator{ctrl: ctrl}
	ctrl.BindIsolator(iso)

	seedAgent(t, ctrl, "agent-8")
	require.NoError(t, ctrl.ConfigureTimers(ctx, "agent-8", &domain.TimerOverrides{
		Backoff: &domain.BackoffSpec{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxFactor:    1.0,
		},
	}))
	require.NoError(t, ctrl.Validate(ctx, "agent-8"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-8"))

	// factor(0) = 1 — еще в пределах потолка
	require.NoError(t, ctrl.EscalateFailure(ctx, "agent-8", "startup failed"))
	a, _ := store.GetAgent(ctx, "agent-8")
	require.Equal(t, domain.AgentBackoff, a.State)

	require.NoError(t, ctrl.RetryAfterBackoff(ctx, "agent-8"))
	require.NoError(t, ctrl.Validate(ctx, "agent-8"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-8"))

	// factor(1) = 2 пробивает потолок переопределения
	require.NoError(t, ctrl.EscalateFailure(ctx, "agent-8", "startup failed"))

	a, _ = store.GetAgent(ctx, "agent-8")
	assert.Equal(t, domain.AgentQuarantined, a.State)
	assert.Equal(t, 1, iso.calls)

	// Сброс переопределений возвращает настройки движка
	require.NoError(t, ctrl.ConfigureTimers(ctx, "agent-8", nil))
	a, _ = store.GetAgent(ctx, "agent-8")
	assert.Nil(t, a.Timers)
}

// Отказ запуска в пределах лимита возвращает агента в registered на новую
// попытку; в backoff агент уходит только когда серия отказов выбрала лимит.
func TestController_StartupFailureRetriesBeforeBackoff(t *testing.T) {
	store := newMemAgentStore()
	eng := timer.NewEngine(timer.NewMemoryStore(), timer.NewMemoryDeduper(), zap.NewNop())
	ctrl := NewController(store, eng, events.NewMemoryBus(), audit.NopRecorder{}, zap.NewNop(), Options{
		Backoff: domain.BackoffSpec{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxFactor:    64.0,
		},
		StartupTimeout:  time.Minute,
		StartupRetries:  3,
		DrainTimeout:    time.Minute,
		HeartbeatWindow: 45 * time.Second,
	})
	ctrl.RegisterTimerHandlers(eng)
	ctx := context.Background()
	seedAgent(t, ctrl, "agent-9")

	for i := 1; i <= 3; i++ {
		require.NoError(t, ctrl.Validate(ctx, "agent-9"))
		require.NoError(t, ctrl.Allocate(ctx, "agent-9"))
		require.NoError(t, ctrl.ReportStartup(ctx, "agent-9", false, "container crashed"))

		a, _ := store.GetAgent(ctx, "agent-9")
		require.Equal(t, domain.AgentRegistered, a.State, "failure %d stays within the retry budget", i)
		assert.Equal(t, domain.AgentStarting, a.PreviousState)
		assert.Equal(t, i, a.Failures.ConsecutiveFailures)
		assert.Nil(t, a.Failures.BackoffUntil)
	}

	// Четвертый отказ пробивает лимит — обычная эскалация через backoff
	require.NoError(t, ctrl.Validate(ctx, "agent-9"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-9"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-9", false, "container crashed"))

	a, _ := store.GetAgent(ctx, "agent-9")
	assert.Equal(t, domain.AgentBackoff, a.State)
	assert.Equal(t, 4, a.Failures.ConsecutiveFailures)
	require.NotNil(t, a.Failures.BackoffUntil)
}

func TestController_DrainWithNoRunsStopsImmediately(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	reaper := &fakeReaper{active: 0}
	ctrl.BindReaper(reaper)

	seedAgent(t, ctrl, "agent-4")
	require.NoError(t, ctrl.Validate(ctx, "agent-4"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-4"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-4", true, ""))

	require.NoError(t, ctrl.Drain(ctx, "agent-4"))

	a, _ := store.GetAgent(ctx, "agent-4")
	assert.Equal(t, domain.AgentStopped, a.State)
}

func TestController_DrainTimeoutForcesStopAndReapsRuns(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	reaper := &fakeReaper{active: 2}
	ctrl.BindReaper(reaper)

	seedAgent(t, ctrl, "agent-5")
	require.NoError(t, ctrl.Validate(ctx, "agent-5"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-5"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-5", true, ""))
	require.NoError(t, ctrl.Drain(ctx, "agent-5"))

	a, _ := store.GetAgent(ctx, "agent-5")
	require.Equal(t, domain.AgentDraining, a.State)

	// Окно drain истекло: имитируем срабатывание таймера напрямую
	require.NoError(t, ctrl.DrainTimedOut(ctx, "agent-5"))

	a, _ = store.GetAgent(ctx, "agent-5")
	assert.Equal(t, domain.AgentStopped, a.State)
	assert.Equal(t, []string{"agent-5"}, reaper.deaths)
}

func TestController_RetireOnlyFromStopped(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	seedAgent(t, ctrl, "agent-6")
	require.NoError(t, ctrl.Validate(ctx, "agent-6"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-6"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-6", true, ""))

	require.Error(t, ctrl.Retire(ctx, "agent-6"), "healthy agent cannot be retired")

	require.NoError(t, ctrl.Stop(ctx, "agent-6", "maintenance"))
	require.NoError(t, ctrl.Retire(ctx, "agent-6"))

	a, _ := store.GetAgent(ctx, "agent-6")
	assert.Equal(t, domain.AgentRetired, a.State)
	assert.True(t, a.State.IsTerminal())
}

func TestController_HeartbeatLossDegradesAndReaps(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	reaper := &fakeReaper{}
	ctrl.BindReaper(reaper)

	seedAgent(t, ctrl, "agent-7")
	require.NoError(t, ctrl.Validate(ctx, "agent-7"))
	require.NoError(t, ctrl.Allocate(ctx, "agent-7"))
	require.NoError(t, ctrl.ReportStartup(ctx, "agent-7", true, ""))

	// Отматываем heartbeat в прошлое, за окно
	store.mu.Lock()
	store.agents["agent-7"].Health.LastHeartbeat = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	require.NoError(t, ctrl.CheckHeartbeats(ctx))

	a, _ := store.GetAgent(ctx, "agent-7")
	assert.Equal(t, domain.AgentDegraded, a.State)
	assert.Contains(t, reaper.deaths, "agent-7")

	// Свежий heartbeat выводит агента из списка подозреваемых
	require.NoError(t, ctrl.Recover(ctx, "agent-7"))
	require.NoError(t, ctrl.Heartbeat(ctx, "agent-7"))
	reaper.deaths = nil
	require.NoError(t, ctrl.CheckHeartbeats(ctx))
	assert.Empty(t, reaper.deaths)
}
