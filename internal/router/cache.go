package router

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"go.uber.org/zap"
)

// RuleSource — откуда кэш перечитывает правила (реализуется postgres.Repo).
type RuleSource interface {
	ListRoutingRules(ctx context.Context) ([]*domain.RoutingRule, error)
}

// RuleCache — in-memory кэш декларативных правил маршрутизации.
// Горячий путь роутера работает только с памятью: поход в Postgres
// случается при старте и по сигналу обновления, не на каждый запрос.
type RuleCache struct {
	mu    sync.RWMutex
	rules []*domain.RoutingRule

	source RuleSource // Используется только для Refresh()
	logger *zap.Logger
}

func NewRuleCache(source RuleSource, logger *zap.Logger) *RuleCache {
	return &RuleCache{source: source, logger: logger.Named("rule-cache")}
}

// Refresh выполняет холодную загрузку всех правил из хранилища в память.
func (c *RuleCache) Refresh(ctx context.Context) error {
	rules, err := c.source.ListRoutingRules(ctx)
	if err != nil {
		return err
	}
	// Порядок перебора фиксируем здесь, а не надеемся на ORDER BY
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()

	c.logger.Info("routing rules refreshed", zap.Int("count", len(rules)))
	return nil
}

// Match возвращает первое правило (по убыванию приоритета), чей предикат
// совпал с запросом. nil — ни одно правило не подошло.
func (c *RuleCache) Match(workType string, labels map[string]string) *domain.RoutingRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Matches(workType, labels) {
			return r
		}
	}
	return nil
}

// Rules — снимок текущего набора правил (для консоли).
func (c *RuleCache) Rules() []*domain.RoutingRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.RoutingRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Watch держит кэш в синхроне с другими нодами: любое изменение правила
// публикуется в RedisChanRuleUpdate, получатель перечитывает весь набор.
func (c *RuleCache) Watch(ctx context.Context, rdb *redis.Client) {
	events.ListenStateResilient(ctx, rdb, c.logger, infra.RedisChanRuleUpdate,
		func() error { return c.Refresh(ctx) },
		func(_ string, _ bool) {
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("rule refresh failed on signal", zap.Error(err))
			}
		},
	)
}
