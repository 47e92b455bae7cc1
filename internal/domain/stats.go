package domain

import "time"

// GlobalStats — агрегаты для дашборда консоли. Считаются запросами по
// Postgres, Redis для этого не трогаем.
type GlobalStats struct {
	AgentsByState     map[string]int `json:"agents_by_state"`
	RunsByState       map[string]int `json:"runs_by_state"`
	PendingApprovals  int            `json:"pending_approvals"`
	ActiveQuarantines int            `json:"active_quarantines"`
	SLABreaches24h    int            `json:"sla_breaches_24h"`
	GeneratedAt       time.Time      `json:"generated_at"`
}
