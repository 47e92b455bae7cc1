package router

import (
	"strconv"
	"sync"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// selector выбирает одного агента из непустого списка кандидатов.
type selector struct {
	mu sync.Mutex
	rr map[string]int // Счетчик round-robin на правило
}

func newSelector() *selector {
	return &selector{rr: make(map[string]int)}
}

// Pick применяет стратегию правила. Кандидаты уже отфильтрованы
// (healthy, свободный слот, способность, регион, бюджет).
func (s *selector) Pick(rule *domain.RoutingRule, candidates []*domain.Agent) *domain.Agent {
	switch rule.Strategy {
	case domain.StrategyLeastLoaded:
		return pickLeastLoaded(candidates)
	case domain.StrategyCostMin:
		return pickCostMin(candidates)
	case domain.StrategyRoundRobin:
		return s.pickRoundRobin(rule.ID, candidates)
	default: // StrategyPriority и пустая стратегия
		return pickPriority(candidates)
	}
}

// pickPriority — по числовой метке "priority" агента, больше — важнее.
// Агенты без метки считаются приоритетом 0.
func pickPriority(candidates []*domain.Agent) *domain.Agent {
	best := candidates[0]
	bestPrio := agentPriority(best)
	for _, a := range candidates[1:] {
		if p := agentPriority(a); p > bestPrio {
			best, bestPrio = a, p
		}
	}
	return best
}

func agentPriority(a *domain.Agent) int {
	p, _ := strconv.Atoi(a.Labels["priority"])
	return p
}

// pickLeastLoaded — максимум свободных слотов; при равенстве первый по списку.
func pickLeastLoaded(candidates []*domain.Agent) *domain.Agent {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Capacity.Free() > best.Capacity.Free() {
			best = a
		}
	}
	return best
}

// pickCostMin — минимальная цена слота.
func pickCostMin(candidates []*domain.Agent) *domain.Agent {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.CostPerRun < best.CostPerRun {
			best = a
		}
	}
	return best
}

func (s *selector) pickRoundRobin(ruleID string, candidates []*domain.Agent) *domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.rr[ruleID] % len(candidates)
	s.rr[ruleID]++
	return candidates[idx]
}
