package quarantine

/*
Quarantine Manager изолирует агента при срабатывании триггера и ведет
воркфлоу возврата в строй.

Изоляция двухуровневая, как kill-switch: L1 — RAM-мапа этого инстанса,
L2 — Redis Set, общий для всех нод. Сигнал уходит по Pub/Sub, поэтому
агент пропадает из пула кандидатов роутера мгновенно, не дожидаясь,
пока CAS-переход в quarantined доедет до Postgres.

Порядок строгий: evidence собирается СИНХРОННО до изоляции — после
перехода состояние агента уже затерто, а хвост аудита уехал.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"go.uber.org/zap"
)

var (
	ErrChecklistIncomplete = errors.New("quarantine: re-enable checklist is not complete")
	ErrNotActive           = errors.New("quarantine: record is already re-enabled")
)

// Store — персистентность карантинных записей (реализуется postgres.Repo).
type Store interface {
	CreateQuarantine(ctx context.Context, q *domain.QuarantineRecord) error
	GetQuarantine(ctx context.Context, id string) (*domain.QuarantineRecord, error)
	ActiveQuarantineByAgent(ctx context.Context, agentID string) (*domain.QuarantineRecord, error)
	LastQuarantineByRule(ctx context.Context, agentID, ruleID string) (*domain.QuarantineRecord, error)
	UpdateQuarantine(ctx context.Context, q *domain.QuarantineRecord) error
	ListQuarantines(ctx context.Context, onlyActive bool, limit int) ([]*domain.QuarantineRecord, error)
	CanaryAgents(ctx context.Context, now time.Time) ([]string, error)
}

// AgentDirectory — чтение документа агента для снимка в evidence.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// TrailReader — хвост аудита агента для evidence.
type TrailReader interface {
	RecentEntries(ctx context.Context, entityID string, limit int) ([]audit.Entry, error)
}

// AgentLifecycle — переходы агента, которые дергает карантин.
// Привязывается после сборки: Lifecycle Controller сам зависит от Isolator.
type AgentLifecycle interface {
	MarkQuarantined(ctx context.Context, agentID, quarantineID, reason string) error
	MarkReenabled(ctx context.Context, agentID, operator string) error
}

// MetricsSource — опциональный срез метрик агента для evidence.
type MetricsSource interface {
	Snapshot(agentID string) json.RawMessage
}

type Manager struct {
	mu       sync.RWMutex
	isolated map[string]struct{} // L1
	canary   map[string]struct{}

	store     Store
	agents    AgentDirectory
	reader    TrailReader
	lifecycle AgentLifecycle
	metrics   MetricsSource
	trail     audit.Recorder
	bus       events.Bus
	rdb       *redis.Client // nil в тестах и single-node режиме
	logger    *zap.Logger

	cooldown     time.Duration
	canaryWindow time.Duration
	now          func() time.Time
}

type Options struct {
	Cooldown     time.Duration // Окно подавления повторного срабатывания правила
	CanaryWindow time.Duration // Окно наблюдения после re-enable
}

func NewManager(store Store, agents AgentDirectory, reader TrailReader,
	trail audit.Recorder, bus events.Bus, rdb *redis.Client, logger *zap.Logger, opts Options) *Manager {
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.CanaryWindow <= 0 {
		opts.CanaryWindow = 24 * time.Hour
	}
	return &Manager{
		isolated:     make(map[string]struct{}),
		canary:       make(map[string]struct{}),
		store:        store,
		agents:       agents,
		reader:       reader,
		trail:        trail,
		bus:          bus,
		rdb:          rdb,
		logger:       logger.Named("quarantine"),
		cooldown:     opts.Cooldown,
		canaryWindow: opts.CanaryWindow,
		now:          time.Now,
	}
}

// BindLifecycle подключает Lifecycle Controller после сборки.
func (m *Manager) BindLifecycle(lc AgentLifecycle) { m.lifecycle = lc }

// SetMetricsSource подключает опциональный источник метрик для evidence.
func (m *Manager) SetMetricsSource(src MetricsSource) { m.metrics = src }

// IsQuarantined — горячий путь роутера и шлюза: только RAM.
func (m *Manager) IsQuarantined(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.isolated[agentID]
	return ok
}

// InCanary — агент вернулся в строй, но работает под наблюдением.
func (m *Manager) InCanary(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.canary[agentID]
	return ok
}

// Isolate — вход карантинного воркфлоу (реализует lifecycle.Isolator).
// Идемпотентен по активной записи; повтор того же правила в окне cooldown
// подавляется, чтобы флапающий триггер не плодил записи. Критическая
// severity окно не уважает: такой триггер изолирует всегда.
func (m *Manager) Isolate(ctx context.Context, agentID string, trigger domain.QuarantineTrigger,
	ruleID, description string, severity domain.Severity) error {
	if active, err := m.store.ActiveQuarantineByAgent(ctx, agentID); err != nil {
		return err
	} else if active != nil {
		m.markIsolated(agentID) // L1 мог отстать после рестарта
		return nil
	}

	last, err := m.store.LastQuarantineByRule(ctx, agentID, ruleID)
	if err != nil {
		return err
	}
	if severity != domain.SeverityCritical &&
		last != nil && last.SuppressRuleUntil != nil && m.now().Before(*last.SuppressRuleUntil) {
		m.logger.Info("quarantine suppressed by cooldown",
			zap.String("agent_id", agentID),
			zap.String("rule_id", ruleID),
			zap.Time("until", *last.SuppressRuleUntil))
		m.record(agentID, "SUPPRESSED", string(trigger), map[string]interface{}{
			"rule_id": ruleID, "suppressed_until": last.SuppressRuleUntil,
		})
		return nil
	}

	// Evidence до изоляции: синхронно, пока состояние не затерто
	evidence := m.collectEvidence(ctx, agentID)

	rec := &domain.QuarantineRecord{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Trigger:     trigger,
		RuleID:      ruleID,
		Description: description,
		Severity:    severity,
		Evidence:    evidence,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateQuarantine(ctx, rec); err != nil {
		return err
	}

	m.markIsolated(agentID)
	m.signal(ctx, infra.RedisKeyQuarantineAgents, infra.RedisChanQuarantine, agentID, true)

	// Канарейка, сорвавшая триггер, наблюдение не прошла
	m.dropCanary(ctx, agentID)

	if m.lifecycle != nil {
		if err := m.lifecycle.MarkQuarantined(ctx, agentID, rec.ID, description); err != nil {
			// Изоляция из пула уже действует; переход мог быть невозможен
			// (агент успел остановиться) — это не отменяет запись
			m.logger.Warn("agent transition to quarantined failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	m.record(agentID, "ISOLATED", description, map[string]interface{}{
		"quarantine_id": rec.ID,
		"trigger":       string(trigger),
		"rule_id":       ruleID,
		"severity":      string(severity),
	})
	payload, _ := json.Marshal(rec)
	_ = m.bus.Publish(ctx, domain.Event{
		Type:     domain.EventQuarantine,
		EntityID: agentID,
		Payload:  payload,
	})

	m.logger.Warn("agent isolated",
		zap.String("agent_id", agentID),
		zap.String("trigger", string(trigger)),
		zap.String("rule_id", ruleID),
		zap.String("severity", string(severity)))
	return nil
}

// UpdateChecklist — шаг triage-воркфлоу: пункты отмечаются по мере разбора.
// AttachEvidence добавляет ссылки на внешние артефакты (дампы, отчеты
// расследования) к evidence активной записи.
func (m *Manager) AttachEvidence(ctx context.Context, quarantineID string, attachments []string) error {
	rec, err := m.store.GetQuarantine(ctx, quarantineID)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return ErrNotActive
	}
	rec.Evidence.Attachments = append(rec.Evidence.Attachments, attachments...)
	return m.store.UpdateQuarantine(ctx, rec)
}

func (m *Manager) UpdateChecklist(ctx context.Context, quarantineID string, checklist domain.ReenableChecklist) error {
	rec, err := m.store.GetQuarantine(ctx, quarantineID)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return ErrNotActive
	}
	rec.Checklist = checklist
	return m.store.UpdateQuarantine(ctx, rec)
}

// Reenable возвращает агента в registered. Блокируется, пока чеклист
// не закрыт целиком. canary=true включает окно наблюдения с автооткатом.
func (m *Manager) Reenable(ctx context.Context, quarantineID, operator string, canary bool) error {
	rec, err := m.store.GetQuarantine(ctx, quarantineID)
	if err != nil {
		return err
	}
	if !rec.Active() {
		return ErrNotActive
	}
	if !rec.Checklist.Complete() {
		return ErrChecklistIncomplete
	}

	now := m.now()
	suppressUntil := now.Add(m.cooldown)
	rec.ReenabledAt = &now
	rec.ReenabledBy = operator
	rec.SuppressRuleUntil = &suppressUntil
	if canary {
		canaryUntil := now.Add(m.canaryWindow)
		rec.CanaryUntil = &canaryUntil
	}
	if err := m.store.UpdateQuarantine(ctx, rec); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.isolated, rec.AgentID)
	if canary {
		m.canary[rec.AgentID] = struct{}{}
	}
	m.mu.Unlock()
	m.signal(ctx, infra.RedisKeyQuarantineAgents, infra.RedisChanQuarantine, rec.AgentID, false)
	if canary {
		m.signal(ctx, infra.RedisKeyCanaryAgents, infra.RedisChanCanary, rec.AgentID, true)
	}

	if m.lifecycle != nil {
		if err := m.lifecycle.MarkReenabled(ctx, rec.AgentID, operator); err != nil {
			return err
		}
	}

	m.record(rec.AgentID, "REENABLED", "checklist complete", map[string]interface{}{
		"quarantine_id": rec.ID,
		"operator":      operator,
		"canary":        canary,
	})
	_ = m.bus.Publish(ctx, domain.Event{
		Type:     domain.EventQuarantineLift,
		EntityID: rec.AgentID,
		ActorID:  operator,
	})

	m.logger.Info("agent re-enabled",
		zap.String("agent_id", rec.AgentID),
		zap.String("operator", operator),
		zap.Bool("canary", canary))
	return nil
}

// RollbackCanary — автооткат: триггер в окне наблюдения немедленно
// возвращает агента в изоляцию.
func (m *Manager) RollbackCanary(ctx context.Context, agentID, reason string) error {
	if !m.InCanary(agentID) {
		return nil
	}
	return m.Isolate(ctx, agentID, domain.TriggerAnomaly, "canary-rollback",
		"canary rollback: "+reason, domain.SeverityHigh)
}

// Warmup прогревает L1 и L2 из Postgres (источника правды): при старте
// и при переподключении к Redis.
func (m *Manager) Warmup(ctx context.Context) error {
	active, err := m.store.ListQuarantines(ctx, true, 10000)
	if err != nil {
		return err
	}
	isolatedIDs := make([]string, 0, len(active))
	for _, q := range active {
		isolatedIDs = append(isolatedIDs, q.AgentID)
	}

	canaryIDs, err := m.store.CanaryAgents(ctx, m.now())
	if err != nil {
		return err
	}

	if m.rdb == nil {
		m.replaceL1(isolatedIDs, canaryIDs)
		return nil
	}
	if err := events.WarmupState(ctx, m.rdb, m.logger, isolatedIDs,
		infra.RedisKeyQuarantineAgents, infra.RedisKeyLockQuarantine,
		func(ids []string) { m.replaceIsolated(ids) }); err != nil {
		return err
	}
	return events.WarmupState(ctx, m.rdb, m.logger, canaryIDs,
		infra.RedisKeyCanaryAgents, infra.RedisKeyLockCanary,
		func(ids []string) { m.replaceCanary(ids) })
}

// Listen держит L1 в синхроне с сигналами других нод.
func (m *Manager) Listen(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	go events.ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanQuarantine,
		func() error { return m.Warmup(ctx) },
		func(id string, on bool) {
			m.mu.Lock()
			if on {
				m.isolated[id] = struct{}{}
			} else {
				delete(m.isolated, id)
			}
			m.mu.Unlock()
		},
	)
	go events.ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanCanary,
		func() error { return nil }, // Канарейки уже синхронизированы первым Warmup
		func(id string, on bool) {
			m.mu.Lock()
			if on {
				m.canary[id] = struct{}{}
			} else {
				delete(m.canary, id)
			}
			m.mu.Unlock()
		},
	)
}

func (m *Manager) collectEvidence(ctx context.Context, agentID string) domain.EvidenceBundle {
	var bundle domain.EvidenceBundle

	if agent, err := m.agents.GetAgent(ctx, agentID); err != nil {
		m.logger.Error("evidence: agent snapshot failed", zap.String("agent_id", agentID), zap.Error(err))
	} else {
		bundle.AgentSnapshot, _ = json.Marshal(agent)
	}

	if m.reader != nil {
		entries, err := m.reader.RecentEntries(ctx, agentID, 50)
		if err != nil {
			m.logger.Error("evidence: audit tail failed", zap.String("agent_id", agentID), zap.Error(err))
		} else {
			bundle.RecentEvents, _ = json.Marshal(entries)

			// Отказы и блокировки отдельным срезом: это то, что смотрит ИБ
			security := make([]audit.Entry, 0)
			for _, e := range entries {
				if e.Status != "APPLIED" && e.Status != "SUCCESS" {
					security = append(security, e)
				}
			}
			if len(security) > 0 {
				bundle.SecurityEvents, _ = json.Marshal(security)
			}
		}
	}

	if m.metrics != nil {
		bundle.Metrics = m.metrics.Snapshot(agentID)
	}
	return bundle
}

func (m *Manager) markIsolated(agentID string) {
	m.mu.Lock()
	m.isolated[agentID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) dropCanary(ctx context.Context, agentID string) {
	m.mu.Lock()
	_, was := m.canary[agentID]
	delete(m.canary, agentID)
	m.mu.Unlock()
	if was {
		m.signal(ctx, infra.RedisKeyCanaryAgents, infra.RedisChanCanary, agentID, false)
	}
}

func (m *Manager) replaceL1(isolated, canary []string) {
	m.replaceIsolated(isolated)
	m.replaceCanary(canary)
}

func (m *Manager) replaceIsolated(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.isolated = next
	m.mu.Unlock()
}

func (m *Manager) replaceCanary(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.canary = next
	m.mu.Unlock()
}

// signal — согласованное обновление L2 и рассылка "agentID:on|off".
func (m *Manager) signal(ctx context.Context, setKey, channel, agentID string, on bool) {
	if m.rdb == nil {
		return
	}
	var err error
	if on {
		err = m.rdb.SAdd(ctx, setKey, agentID).Err()
	} else {
		err = m.rdb.SRem(ctx, setKey, agentID).Err()
	}
	if err != nil {
		m.logger.Error("redis set update failed", zap.String("key", setKey), zap.Error(err))
	}

	state := "off"
	if on {
		state = "on"
	}
	if err := m.rdb.Publish(ctx, channel, agentID+":"+state).Err(); err != nil {
		m.logger.Error("signal publish failed", zap.String("chan", channel), zap.Error(err))
	}
}

func (m *Manager) record(agentID, status, reason string, details map[string]interface{}) {
	m.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindQuarantine,
		EntityID: agentID,
		Reason:   reason,
		Status:   status,
		Details:  details,
	})
}
