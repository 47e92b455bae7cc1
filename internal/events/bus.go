package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"go.uber.org/zap"
)

// Bus — исходящая шина событий жизненного цикла, ранов, SLA и карантина.
// Потребители снаружи (Event Bus платформы, observability).
type Bus interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// RedisBus публикует события в общий канал оркестратора.
// Недоставка события не валит бизнес-операцию: шина best-effort,
// источник правды — Postgres.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisBus(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger.Named("event-bus")}
}

func (b *RedisBus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, infra.RedisChanEvents, data).Err(); err != nil {
		b.logger.Warn("event delivery failed",
			zap.String("type", string(evt.Type)),
			zap.String("entity_id", evt.EntityID),
			zap.Error(err))
		return err
	}
	return nil
}

// MemoryBus копит события в памяти — для тестов и single-node режима.
type MemoryBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(_ context.Context, evt domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.events = append(b.events, evt)
	return nil
}

// Events возвращает копию накопленных событий.
func (b *MemoryBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByType фильтрует накопленные события по типу.
func (b *MemoryBus) ByType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range b.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
