package quarantine

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
	"go.uber.org/zap"
)

type memQuarantines struct {
	mu      sync.Mutex
	records map[string]*domain.QuarantineRecord
}

func newMemQuarantines() *memQuarantines {
	return &memQuarantines{records: make(map[string]*domain.QuarantineRecord)}
}

func (s *memQuarantines) CreateQuarantine(_ context.Context, q *domain.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.records[q.ID] = &cp
	return nil
}

func (s *memQuarantines) GetQuarantine(_ context.Context, id string) (*domain.QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *memQuarantines) ActiveQuarantineByAgent(_ context.Context, agentID string) (*domain.QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.records {
		if q.AgentID == agentID && q.Active() {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memQuarantines) LastQuarantineByRule(_ context.Context, agentID, ruleID string) (*domain.QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *domain.QuarantineRecord
	for _, q := range s.records {
		if q.AgentID == agentID && q.RuleID == ruleID {
			if last == nil || q.CreatedAt.After(last.CreatedAt) {
				last = q
			}
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *memQuarantines) UpdateQuarantine(_ context.Context, q *domain.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[q.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *q
	s.records[q.ID] = &cp
	return nil
}

func (s *memQuarantines) ListQuarantines(_ context.Context, onlyActive bool, limit int) ([]*domain.QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.QuarantineRecord, 0)
	for _, q := range s.records {
		if onlyActive && !q.Active() {
			continue
		}
		cp := *q
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memQuarantines) CanaryAgents(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, q := range s.records {
		if q.CanaryUntil != nil && q.CanaryUntil.After(now) {
			out = append(out, q.AgentID)
		}
	}
	return out, nil
}

func (s *memQuarantines) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memDirectory struct {
	agents map[string]*domain.Agent
}

func (d *memDirectory) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

type memTrailReader struct {
	entries []audit.Entry
}

func (r *memTrailReader) RecentEntries(_ context.Context, _ string, _ int) ([]audit.Entry, error) {
	return r.entries, nil
}

type fakeLifecycle struct {
	mu          sync.Mutex
	quarantined []string
	reenabled   []string
	failNext    error
}

func (f *fakeLifecycle) MarkQuarantined(_ context.Context, agentID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.quarantined = append(f.quarantined, agentID)
	return nil
}

func (f *fakeLifecycle) MarkReenabled(_ context.Context, agentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reenabled = append(f.reenabled, agentID)
	return nil
}

type qFixture struct {
	mgr   *Manager
	store *memQuarantines
	lc    *fakeLifecycle
	bus   *events.MemoryBus
	trail *audit.MemoryRecorder
}

func newQFixture(t *testing.T) *qFixture {
	t.Helper()
	store := newMemQuarantines()
	dir := &memDirectory{agents: map[string]*domain.Agent{
		"agent-1": {ID: "agent-1", State: domain.AgentHealthy, Name: "worker"},
	}}
	reader := &memTrailReader{entries: []audit.Entry{
		{Kind: audit.KindTransition, EntityID: "agent-1", Status: "APPLIED"},
		{Kind: audit.KindLease, EntityID: "agent-1", Status: "DENIED"},
	}}
	lc := &fakeLifecycle{}
	bus := events.NewMemoryBus()
	trail := audit.NewMemoryRecorder()

	mgr := NewManager(store, dir, reader, trail, bus, nil, zap.NewNop(), Options{
		Cooldown:     time.Hour,
		CanaryWindow: 24 * time.Hour,
	})
	mgr.BindLifecycle(lc)
	return &qFixture{mgr: mgr, store: store, lc: lc, bus: bus, trail: trail}
}

func (f *qFixture) isolate(t *testing.T) *domain.QuarantineRecord {
	t.Helper()
	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerSecurity, "rule-sec-7", "outbound traffic anomaly", domain.SeverityCritical))
	rec, err := f.store.ActiveQuarantineByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func completeChecklist() domain.ReenableChecklist {
	return domain.ReenableChecklist{
		RootCauseIdentified: true,
		RemediationApplied:  true,
		TestsPassed:         true,
		ApprovalsGathered:   true,
	}
}

func TestIsolateCapturesEvidenceBeforeTransition(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	// Evidence собрано синхронно и лежит в записи
	assert.NotEmpty(t, rec.Evidence.AgentSnapshot)
	assert.Contains(t, string(rec.Evidence.AgentSnapshot), `"agent-1"`)
	assert.Contains(t, string(rec.Evidence.RecentEvents), `"DENIED"`)
	assert.Contains(t, string(rec.Evidence.SecurityEvents), `"DENIED"`)

	assert.True(t, f.mgr.IsQuarantined("agent-1"))
	assert.Equal(t, []string{"agent-1"}, f.lc.quarantined)
	require.Len(t, f.bus.ByType(domain.EventQuarantine), 1)
}

func TestIsolateIsIdempotentForActiveRecord(t *testing.T) {
	f := newQFixture(t)
	f.isolate(t)

	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerSecurity, "rule-sec-7", "duplicate trigger", domain.SeverityCritical))
	assert.Equal(t, 1, f.store.count())
}

func TestIsolationSurvivesLifecycleTransitionFailure(t *testing.T) {
	f := newQFixture(t)
	f.lc.failNext = &domain.StateTransitionError{Entity: "agent", From: "stopped", To: "quarantined"}

	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerManual, "rule-manual", "operator lockout", domain.SeverityHigh))

	// Запись и изоляция из пула действуют, даже если FSM-переход невозможен
	assert.True(t, f.mgr.IsQuarantined("agent-1"))
	assert.Equal(t, 1, f.store.count())
}

func TestAttachEvidenceAppendsToActiveRecord(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	require.NoError(t, f.mgr.AttachEvidence(context.Background(), rec.ID,
		[]string{"s3://forensics/agent-1/pcap.gz"}))
	require.NoError(t, f.mgr.AttachEvidence(context.Background(), rec.ID,
		[]string{"https://tracker/incidents/451"}))

	updated, err := f.store.GetQuarantine(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"s3://forensics/agent-1/pcap.gz",
		"https://tracker/incidents/451",
	}, updated.Evidence.Attachments)

	// После снятия карантина запись закрыта для новых артефактов
	require.NoError(t, f.mgr.UpdateChecklist(context.Background(), rec.ID, completeChecklist()))
	require.NoError(t, f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false))
	err = f.mgr.AttachEvidence(context.Background(), rec.ID, []string{"s3://late.bin"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestReenableRequiresCompleteChecklist(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	err := f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false)
	assert.ErrorIs(t, err, ErrChecklistIncomplete)
	assert.True(t, f.mgr.IsQuarantined("agent-1"))

	require.NoError(t, f.mgr.UpdateChecklist(context.Background(), rec.ID, completeChecklist()))
	require.NoError(t, f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false))

	assert.False(t, f.mgr.IsQuarantined("agent-1"))
	assert.Equal(t, []string{"agent-1"}, f.lc.reenabled)
	require.Len(t, f.bus.ByType(domain.EventQuarantineLift), 1)

	// Повторный re-enable отбивается
	err = f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCooldownSuppressesSameRuleOnly(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	require.NoError(t, f.mgr.UpdateChecklist(context.Background(), rec.ID, completeChecklist()))
	require.NoError(t, f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false))

	// То же правило в окне cooldown — подавлено, новой записи нет
	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerSecurity, "rule-sec-7", "flapping trigger", domain.SeverityHigh))
	assert.Equal(t, 1, f.store.count())
	assert.False(t, f.mgr.IsQuarantined("agent-1"))

	// Другое правило изолирует немедленно
	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerResourceAbuse, "rule-mem-1", "memory abuse", domain.SeverityHigh))
	assert.Equal(t, 2, f.store.count())
	assert.True(t, f.mgr.IsQuarantined("agent-1"))
}

// Критическая severity не уважает окно подавления: то же правило
// изолирует агента немедленно.
func TestCriticalSeverityBypassesCooldown(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	require.NoError(t, f.mgr.UpdateChecklist(context.Background(), rec.ID, completeChecklist()))
	require.NoError(t, f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", false))

	require.NoError(t, f.mgr.Isolate(context.Background(), "agent-1",
		domain.TriggerSecurity, "rule-sec-7", "exfiltration resumed", domain.SeverityCritical))

	assert.Equal(t, 2, f.store.count())
	assert.True(t, f.mgr.IsQuarantined("agent-1"))
}

func TestCanaryWindowAndRollback(t *testing.T) {
	f := newQFixture(t)
	rec := f.isolate(t)

	require.NoError(t, f.mgr.UpdateChecklist(context.Background(), rec.ID, completeChecklist()))
	require.NoError(t, f.mgr.Reenable(context.Background(), rec.ID, "sec-officer", true))

	assert.False(t, f.mgr.IsQuarantined("agent-1"))
	assert.True(t, f.mgr.InCanary("agent-1"))

	updated, err := f.store.GetQuarantine(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.CanaryUntil)

	// Триггер в окне наблюдения — автооткат в изоляцию
	require.NoError(t, f.mgr.RollbackCanary(context.Background(), "agent-1", "error rate spike"))
	assert.True(t, f.mgr.IsQuarantined("agent-1"))
	assert.False(t, f.mgr.InCanary("agent-1"))
	assert.Equal(t, 2, f.store.count())
}

func TestRollbackIgnoresAgentsOutsideCanary(t *testing.T) {
	f := newQFixture(t)
	require.NoError(t, f.mgr.RollbackCanary(context.Background(), "agent-1", "noise"))
	assert.False(t, f.mgr.IsQuarantined("agent-1"))
	assert.Equal(t, 0, f.store.count())
}

func TestWarmupRestoresStateFromStore(t *testing.T) {
	f := newQFixture(t)
	f.isolate(t)

	// Свежий инстанс того же хранилища: L1 пуст до прогрева
	fresh := NewManager(f.store, &memDirectory{agents: map[string]*domain.Agent{}},
		nil, audit.NopRecorder{}, events.NewMemoryBus(), nil, zap.NewNop(), Options{})
	assert.False(t, fresh.IsQuarantined("agent-1"))

	require.NoError(t, fresh.Warmup(context.Background()))
	assert.True(t, fresh.IsQuarantined("agent-1"))
}
