package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи для Sets и строк (состояние)
const (
	RedisKeyQuarantineAgents = RedisNamespace + ":agents:quarantine_set"
	RedisKeyCanaryAgents     = RedisNamespace + ":agents:canary_set"
	RedisKeyLockQuarantine   = RedisNamespace + ":lock:warmup:quarantine"
	RedisKeyLockCanary       = RedisNamespace + ":lock:warmup:canary"

	// Префиксы динамических ключей
	RedisKeyLeasePrefix      = RedisNamespace + ":lease:"        // + scope
	RedisKeyTimerFiredPrefix = RedisNamespace + ":timers:fired:" // + id:epoch
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions — канал для трансляции решений оператора (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	RedisChanQuarantine        = RedisNamespace + ":agents:quarantine-signal"
	RedisChanCanary            = RedisNamespace + ":agents:canary-signal"
	RedisChanEvents            = RedisNamespace + ":orchestrator:events"
	RedisChanRuleUpdate        = RedisNamespace + ":router:rule-update"
)

// LeaseKey — ключ аренды для скоупа (idempotency key или mutex).
func LeaseKey(scope string) string {
	return RedisKeyLeasePrefix + scope
}

// TimerFiredKey — ключ дедупликации срабатывания таймера: (id, epoch).
func TimerFiredKey(timerID string, epoch int64) string {
	return fmt.Sprintf("%s%s:%d", RedisKeyTimerFiredPrefix, timerID, epoch)
}

// ApprovalDecisionChan — персональный канал пробуждения для конкретного рана.
func ApprovalDecisionChan(runID string) string {
	return fmt.Sprintf("%s:execution:%s", RedisChanApprovalDecisions, runID)
}
