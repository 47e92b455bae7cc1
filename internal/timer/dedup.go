package timer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
)

// Deduper отвечает на вопрос «эта пара (timer, epoch) стреляет впервые?».
type Deduper interface {
	FirstFire(ctx context.Context, timerID string, epoch int64) (bool, error)
}

// RedisDeduper — SETNX по ключу (id, epoch). TTL ограничивает рост
// пространства ключей: после суток дубликат уже невозможен по смыслу.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: 24 * time.Hour}
}

func (d *RedisDeduper) FirstFire(ctx context.Context, timerID string, epoch int64) (bool, error) {
	return d.rdb.SetNX(ctx, infra.TimerFiredKey(timerID, epoch), 1, d.ttl).Result()
}

// MemoryDeduper — для тестов и single-node режима.
type MemoryDeduper struct {
	mu    sync.Mutex
	fired map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{fired: make(map[string]struct{})}
}

func (d *MemoryDeduper) FirstFire(_ context.Context, timerID string, epoch int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := infra.TimerFiredKey(timerID, epoch)
	if _, ok := d.fired[key]; ok {
		return false, nil
	}
	d.fired[key] = struct{}{}
	return true, nil
}
