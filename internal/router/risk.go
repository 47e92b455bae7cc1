package router

import (
	"encoding/json"
	"fmt"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"go.uber.org/zap"
)

// RiskAnalyzer решает, требует ли маршрут ручного подтверждения (HITL).
// Статический гейт объявлен прямо в правиле; динамический срабатывает,
// когда числовое поле payload превышает порог из rule.Risk.
type RiskAnalyzer struct {
	logger *zap.Logger
}

func NewRiskAnalyzer(logger *zap.Logger) *RiskAnalyzer {
	return &RiskAnalyzer{logger: logger.Named("risk")}
}

// Required возвращает (нужен ли гейт, причина для заявки).
func (a *RiskAnalyzer) Required(rule *domain.RoutingRule, payload json.RawMessage) (bool, string) {
	// 1. Статический гейт: правило всегда требует подтверждения
	if rule.RequireApproval {
		return true, fmt.Sprintf("rule %s requires approval", rule.ID)
	}

	// 2. Динамический гейт по рисковому полю payload
	cond := rule.Risk
	if cond == nil || cond.RiskField == "" {
		return false, ""
	}

	var requestData map[string]interface{}
	if err := json.Unmarshal(payload, &requestData); err != nil {
		a.logger.Error("failed to unmarshal payload for risk analysis", zap.Error(err))
		return false, ""
	}

	rawValue, ok := requestData[cond.RiskField]
	if !ok {
		return false, ""
	}
	// Числа из JSON всегда приходят как float64
	val, ok := rawValue.(float64)
	if !ok || val <= cond.Threshold {
		return false, ""
	}

	a.logger.Warn("dynamic approval triggered",
		zap.String("rule_id", rule.ID),
		zap.String("field", cond.RiskField),
		zap.Float64("value", val),
		zap.Float64("threshold", cond.Threshold))
	return true, fmt.Sprintf("risk threshold exceeded: %s=%.2f > %.2f", cond.RiskField, val, cond.Threshold)
}
