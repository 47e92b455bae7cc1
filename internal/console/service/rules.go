package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"go.uber.org/zap"
)

// RuleRepository описывает требования сервиса к хранилищу правил маршрутизации.
type RuleRepository interface {
	GetRoutingRule(ctx context.Context, id string) (*domain.RoutingRule, error)
	ListRoutingRules(ctx context.Context) ([]*domain.RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error
	UpdateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error
	DeleteRoutingRule(ctx context.Context, id string) error
}

// RuleService — CRUD правил маршрутизации. Каждая мутация заканчивается
// широковещательным сигналом: все инстансы роутера перечитают свой кэш.
type RuleService struct {
	repo   RuleRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRuleService(repo RuleRepository, rdb *redis.Client, logger *zap.Logger) *RuleService {
	return &RuleService{repo: repo, rdb: rdb, logger: logger.Named("rule-service")}
}

func (s *RuleService) Get(ctx context.Context, id string) (*domain.RoutingRule, error) {
	return s.repo.GetRoutingRule(ctx, id)
}

func (s *RuleService) List(ctx context.Context) ([]*domain.RoutingRule, error) {
	rules, err := s.repo.ListRoutingRules(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		return []*domain.RoutingRule{}, nil
	}
	return rules, nil
}

func (s *RuleService) Create(ctx context.Context, rule *domain.RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	if err := s.repo.CreateRoutingRule(ctx, rule); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, rule.ID)
}

func (s *RuleService) Update(ctx context.Context, rule *domain.RoutingRule) error {
	rule.UpdatedAt = time.Now()
	if err := s.repo.UpdateRoutingRule(ctx, rule); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, rule.ID)
}

func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRoutingRule(ctx, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, id)
}

// notifyUpdate шлет сигнал инвалидации. Сам кэш перечитает всю таблицу,
// поэтому payload — только для логов.
func (s *RuleService) notifyUpdate(ctx context.Context, ruleID string) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanRuleUpdate, ruleID).Err(); err != nil {
		s.logger.Warn("rule update signal delivery failed",
			zap.String("rule_id", ruleID), zap.Error(err))
		return err
	}
	return nil
}
