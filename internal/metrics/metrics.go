package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
)

type Metrics struct {
	// Переходы конечных автоматов (агенты и раны)
	TransitionsTotal *prometheus.CounterVec

	// Traffic: решения роутера
	RoutesTotal *prometheus.CounterVec

	// Errors: нарушения SLA, шаги компенсаций, карантины
	SLABreachesTotal prometheus.Counter
	SagaStepsTotal   *prometheus.CounterVec
	QuarantinesTotal *prometheus.CounterVec

	// HITL: вердикты операторов
	ApprovalsTotal *prometheus.CounterVec

	// Leases: идемпотентность и mutex-скоупы
	LeaseOpsTotal *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TransitionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_transitions_total",
			Help: "Total number of FSM transitions.",
		}, []string{"to_state", "status"}),

		RoutesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_routes_total",
			Help: "Total number of routing decisions.",
		}, []string{"status"}),

		SLABreachesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_sla_breaches_total",
			Help: "Total number of SLA breaches.",
		}),

		SagaStepsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_saga_steps_total",
			Help: "Total number of executed compensation steps.",
		}, []string{"status"}),

		QuarantinesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_quarantines_total",
			Help: "Total number of quarantine workflow events.",
		}, []string{"status"}),

		ApprovalsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_approvals_total",
			Help: "Total number of approval verdicts.",
		}, []string{"status"}),

		LeaseOpsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_lease_ops_total",
			Help: "Total number of lease operations.",
		}, []string{"status"}),
	}
}

// agentTally — скользящий счет по одному агенту для evidence-снимка.
type agentTally struct {
	Transitions int       `json:"transitions"`
	Failures    int       `json:"failures"`
	LastState   string    `json:"last_state,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Since       time.Time `json:"since"`
}

// Recorder оборачивает аудиторский след: каждая запись по пути в хранилище
// еще и инкрементит счетчики Prometheus. Контроллеры не знают про метрики.
// Snapshot(agentID) делает его источником evidence для Quarantine Manager.
type Recorder struct {
	next audit.Recorder
	m    *Metrics

	mu    sync.Mutex
	tally map[string]*agentTally
}

func NewRecorder(next audit.Recorder, m *Metrics) *Recorder {
	return &Recorder{next: next, m: m, tally: make(map[string]*agentTally)}
}

func (r *Recorder) Record(entry audit.Entry) {
	switch entry.Kind {
	case audit.KindTransition:
		r.m.TransitionsTotal.WithLabelValues(entry.ToState, entry.Status).Inc()
	case audit.KindRoute:
		r.m.RoutesTotal.WithLabelValues(entry.Status).Inc()
	case audit.KindSLABreach:
		r.m.SLABreachesTotal.Inc()
	case audit.KindSagaStep:
		r.m.SagaStepsTotal.WithLabelValues(entry.Status).Inc()
	case audit.KindQuarantine:
		r.m.QuarantinesTotal.WithLabelValues(entry.Status).Inc()
	case audit.KindApproval:
		r.m.ApprovalsTotal.WithLabelValues(entry.Status).Inc()
	case audit.KindLease:
		r.m.LeaseOpsTotal.WithLabelValues(entry.Status).Inc()
	}

	r.bump(entry)
	r.next.Record(entry)
}

func (r *Recorder) bump(entry audit.Entry) {
	if entry.EntityID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tally[entry.EntityID]
	if !ok {
		t = &agentTally{Since: time.Now()}
		r.tally[entry.EntityID] = t
	}
	if entry.Kind == audit.KindTransition {
		t.Transitions++
		t.LastState = entry.ToState
	}
	if entry.Status == "FAILED" || entry.Error != "" {
		t.Failures++
		t.LastError = entry.Error
	}
}

// Snapshot реализует quarantine.MetricsSource: срез активности агента,
// который ложится в evidence карантинной записи.
func (r *Recorder) Snapshot(agentID string) json.RawMessage {
	r.mu.Lock()
	t, ok := r.tally[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	cp := *t
	r.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return nil
	}
	return data
}
