package timer

/*
Timer Engine — персистентный планировщик дедлайнов оркестратора.

Таймер — это строка в PostgreSQL, а не time.AfterFunc: расписание переживает
рестарт процесса (при старте PendingTimers перечитываются целиком).
Инвариант exactly-once держится на двух рубежах:
 1. Redis SETNX по ключу (id, epoch) — быстрый фильтр между нодами;
 2. условный UPDATE fired=TRUE в Postgres — источник правды.
Действие диспатчится только после выигрыша обоих.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"go.uber.org/zap"
)

// Store — персистентное хранилище таймеров (реализуется postgres.Repo).
type Store interface {
	UpsertTimer(ctx context.Context, t *domain.Timer) (int64, error)
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*domain.Timer, error)
	PendingTimers(ctx context.Context) ([]*domain.Timer, error)
	MarkTimerFired(ctx context.Context, id string, epoch int64) (bool, error)
	CancelTimer(ctx context.Context, id string) error
	CancelTimersForEntity(ctx context.Context, entityID string) error
}

// Handler — реакция на сработавший таймер. Регистрируется контроллерами
// по виду таймера (sla, backoff, wait, escalation-step, probe).
type Handler func(ctx context.Context, t *domain.Timer) error

// Scheduler — то, что видят контроллеры: взвести/снять дедлайн.
type Scheduler interface {
	Schedule(ctx context.Context, t *domain.Timer) error
	Cancel(ctx context.Context, timerID string) error
	CancelForEntity(ctx context.Context, entityID string) error
}

type Engine struct {
	store  Store
	dedup  Deduper
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[domain.TimerKind]Handler

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time // Подменяется в тестах

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewEngine(store Store, dedup Deduper, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		dedup:        dedup,
		logger:       logger.Named("timer-engine"),
		handlers:     make(map[domain.TimerKind]Handler),
		pollInterval: time.Second,
		batchSize:    200,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
}

// Register привязывает обработчик к виду таймера. Вызывается при сборке
// сервиса, до Start.
func (e *Engine) Register(kind domain.TimerKind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Schedule взводит (или перевзводит) таймер. Возросший epoch отменяет
// старую доставку: она не пройдет дедупликацию.
func (e *Engine) Schedule(ctx context.Context, t *domain.Timer) error {
	epoch, err := e.store.UpsertTimer(ctx, t)
	if err != nil {
		return err
	}
	e.logger.Debug("timer scheduled",
		zap.String("id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.Int64("epoch", epoch),
		zap.Time("deadline", t.Deadline))
	return nil
}

// Cancel снимает таймер по ID.
func (e *Engine) Cancel(ctx context.Context, timerID string) error {
	return e.store.CancelTimer(ctx, timerID)
}

// CancelForEntity снимает все таймеры сущности (терминальный переход).
func (e *Engine) CancelForEntity(ctx context.Context, entityID string) error {
	return e.store.CancelTimersForEntity(ctx, entityID)
}

// Start перечитывает невыстрелившие таймеры и запускает цикл опроса.
func (e *Engine) Start(ctx context.Context) error {
	pending, err := e.store.PendingTimers(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("timer schedule reloaded", zap.Int("pending", len(pending)))

	e.wg.Add(1)
	go e.pollLoop(ctx)
	return nil
}

// Stop останавливает цикл опроса и ждет завершения текущей пачки.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("timer engine stopped")
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("timer tick failed", zap.Error(err))
			}
		}
	}
}

// Tick обрабатывает одну пачку просроченных таймеров. Вынесен отдельно,
// чтобы тесты дергали его напрямую без цикла и сна.
func (e *Engine) Tick(ctx context.Context) error {
	due, err := e.store.DueTimers(ctx, e.now(), e.batchSize)
	if err != nil {
		return err
	}
	for _, t := range due {
		e.fire(ctx, t)
	}
	return nil
}

func (e *Engine) fire(ctx context.Context, t *domain.Timer) {
	// Рубеж 1: межнодовый фильтр. Ошибка Redis не блокирует доставку —
	// авторитетный рубеж ниже.
	first, err := e.dedup.FirstFire(ctx, t.ID, t.Epoch)
	if err != nil {
		e.logger.Warn("timer dedup check failed, falling through to store",
			zap.String("id", t.ID), zap.Error(err))
	} else if !first {
		return
	}

	// Рубеж 2: источник правды. Проигрыш CAS = кто-то уже выстрелил
	// или таймер перевзведен (epoch ушел вперед).
	won, err := e.store.MarkTimerFired(ctx, t.ID, t.Epoch)
	if err != nil {
		e.logger.Error("failed to mark timer fired", zap.String("id", t.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	e.mu.RLock()
	h, ok := e.handlers[t.Kind]
	e.mu.RUnlock()
	if !ok {
		e.logger.Error("no handler registered for timer kind",
			zap.String("id", t.ID), zap.String("kind", string(t.Kind)))
		return
	}

	if err := h(ctx, t); err != nil {
		e.logger.Error("timer handler failed",
			zap.String("id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.String("entity_id", t.EntityID),
			zap.Error(err))
	}
}
