package runs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/lease"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

type fixture struct {
	ctrl     *Controller
	store    *MemoryStore
	registry *Registry
	leases   *lease.MemoryManager
	bus      *events.MemoryBus
	eng      *timer.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	registry := NewRegistry()
	leases := lease.NewMemoryManager()
	bus := events.NewMemoryBus()
	eng := timer.NewEngine(timer.NewMemoryStore(), timer.NewMemoryDeduper(), zap.NewNop())

	ctrl := NewController(store, registry, leases, eng, bus, audit.NopRecorder{}, zap.NewNop(), Options{
		Backoff: domain.BackoffSpec{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
			MaxFactor:    64,
		},
		LeaseTTL:    time.Minute,
		MaxAttempts: 3,
	})
	ctrl.RegisterTimerHandlers(eng)
	store.SeedAgent("agent-1", 2, true)
	return &fixture{ctrl: ctrl, store: store, registry: registry, leases: leases, bus: bus, eng: eng}
}

func (f *fixture) prepare(t *testing.T, req domain.RunRequest) *domain.Run {
	t.Helper()
	run, cached, err := f.ctrl.Prepare(context.Background(), req)
	require.NoError(t, err)
	require.False(t, cached)
	return run
}

func billingRequest(idempotent bool) domain.RunRequest {
	return domain.RunRequest{
		WorkDefID:  "wd-charge",
		ActorID:    "user-7",
		Capability: "billing.charge",
		Input:      json.RawMessage(`{"amount": 100, "currency": "USD"}`),
		Idempotent: idempotent,
	}
}

func TestController_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var executions int32
	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(&executions, 1)
		return json.RawMessage(`{"charged": true}`), nil
	}))

	run := f.prepare(t, billingRequest(true))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.State)
	assert.JSONEq(t, `{"charged": true}`, string(got.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))

	// Слот вернулся в пул, аренда снята
	assert.Equal(t, 0, f.store.CurrentSlots("agent-1"))
	holder, _ := f.leases.Holder(ctx, got.IdempotencyKey)
	assert.Empty(t, holder)
}

// Повторный идемпотентный запрос не исполняется заново: side effects
// применяются ровно один раз, возвращается кэшированный результат.
func TestController_IdempotentRequestReturnsCachedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var executions int32
	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(&executions, 1)
		return json.RawMessage(`{"charged": true}`), nil
	}))

	first := f.prepare(t, billingRequest(true))
	require.NoError(t, f.ctrl.Assign(ctx, first.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, first.ID))

	// Тот же work def, тот же актор, тот же вход (другой порядок полей JSON)
	again, cached, err := f.ctrl.Prepare(ctx, domain.RunRequest{
		WorkDefID:  "wd-charge",
		ActorID:    "user-7",
		Capability: "billing.charge",
		Input:      json.RawMessage(`{"currency": "USD", "amount": 100}`),
		Idempotent: true,
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first.ID, again.ID)
	assert.JSONEq(t, `{"charged": true}`, string(again.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
}

func TestController_MutexScopeDeniesSecondAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reqA := billingRequest(false)
	reqA.MutexScope = "resource:42"
	reqB := billingRequest(false)
	reqB.WorkDefID = "wd-other" // Другой ключ идемпотентности, тот же mutex
	reqB.MutexScope = "resource:42"

	runA := f.prepare(t, reqA)
	runB := f.prepare(t, reqB)

	require.NoError(t, f.ctrl.Assign(ctx, runA.ID, "agent-1"))
	err := f.ctrl.Assign(ctx, runB.ID, "agent-1")
	assert.ErrorIs(t, err, domain.ErrLeaseDenied)

	// Проигравший не оставил за собой ни слота, ни аренды ключа
	assert.Equal(t, 1, f.store.CurrentSlots("agent-1"))
	holder, _ := f.leases.Holder(ctx, runB.IdempotencyKey)
	assert.Empty(t, holder)
}

func TestController_TransientFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.Transient("upstream_timeout", "billing gateway timed out")
	}))

	run := f.prepare(t, billingRequest(false))

	// Попытки 1 и 2: transient — ран возвращается в pending на повтор
	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
		require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

		got, _ := f.store.GetRun(ctx, run.ID)
		require.Equal(t, domain.RunPending, got.State, "attempt %d", attempt)
		require.Equal(t, attempt, got.Attempt)
		require.Equal(t, 0, f.store.CurrentSlots("agent-1"))
	}

	// Попытка 3 — бюджет исчерпан, терминальный failed
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrTransient, got.Error.Category)
	assert.Equal(t, 3, got.Attempt)
}

func TestController_PermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.Permanent("validation", "amount must be positive")
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, domain.ErrPermanent, got.Error.Category)
}

// Scenario B: ран в waiting_io с просроченным дедлайном и без Resume
// уходит в failed с категорией transient.
func TestController_ExpiredWaitBecomesTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, &Suspension{
			Kind:        string(domain.WaitIO),
			Timeout:     10 * time.Millisecond,
			ResumeToken: "callback-123",
		}
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	require.Equal(t, domain.RunWaitingIO, got.State)
	require.NotNil(t, got.Wait)
	assert.Equal(t, "callback-123", got.Wait.ResumeToken)
	assert.Equal(t, 0, f.store.CurrentSlots("agent-1"), "waiting must not hold a slot")

	// Дедлайн прошел, Resume не случился
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.ctrl.SweepExpiredWaits(ctx, 10))

	got, _ = f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrTransient, got.Error.Category)
	assert.True(t, got.Error.Retriable)
}

func TestController_ResumeBeforeDeadlineContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls int32
	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &Suspension{Kind: string(domain.WaitIO), Timeout: time.Hour}
		}
		return json.RawMessage(`{"done": true}`), nil
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	require.Equal(t, domain.RunWaitingIO, got.State)

	require.NoError(t, f.ctrl.Resume(ctx, run.ID, json.RawMessage(`{"callback": "arrived"}`)))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ = f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunSucceeded, got.State)
}

// Событие, пришедшее после дедлайна, ран не будит: Resume гасит просроченное
// ожидание так же, как таймер, даже если сам таймер еще не сработал.
func TestController_ResumeAfterDeadlineExpiresWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, &Suspension{Kind: string(domain.WaitIO), Timeout: 10 * time.Millisecond}
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	time.Sleep(20 * time.Millisecond)

	err := f.ctrl.Resume(ctx, run.ID, json.RawMessage(`{"callback": "late"}`))
	assert.ErrorIs(t, err, domain.ErrWaitExpired)

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "wait_timeout", got.Error.Code)
	assert.Equal(t, 0, f.store.CurrentSlots("agent-1"), "late resume must not leave a reserved slot")
}

type isolateCall struct {
	agentID  string
	trigger  domain.QuarantineTrigger
	ruleID   string
	severity domain.Severity
}

type fakeIsolator struct {
	calls []isolateCall
}

func (f *fakeIsolator) Isolate(_ context.Context, agentID string, trigger domain.QuarantineTrigger, ruleID, _ string, severity domain.Severity) error {
	f.calls = append(f.calls, isolateCall{agentID, trigger, ruleID, severity})
	return nil
}

// Нарушение политики безопасности: ран падает без повторов, агент-нарушитель
// уходит в карантин с критической severity.
func TestController_PolicyFailureQuarantinesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	iso := &fakeIsolator{}
	f.ctrl.BindIsolator(iso)

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.PolicyViolation("data_exfiltration", "agent attempted to read outside its scope")
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	assert.Equal(t, 1, got.Attempt, "policy violations must not be retried")
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrPolicy, got.Error.Category)

	require.Len(t, iso.calls, 1)
	call := iso.calls[0]
	assert.Equal(t, "agent-1", call.agentID)
	assert.Equal(t, domain.TriggerPolicy, call.trigger)
	assert.Equal(t, "data_exfiltration", call.ruleID)
	assert.Equal(t, domain.SeverityCritical, call.severity)
}

// Обычный permanent-отказ — не повод для карантина.
func TestController_PermanentFailureDoesNotQuarantine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	iso := &fakeIsolator{}
	f.ctrl.BindIsolator(iso)

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.Permanent("validation", "amount must be positive")
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	assert.Empty(t, iso.calls)
}

// Scenario D: владелец умер посреди рана. Идемпотентный ран с чекпоинтом
// реассайнится и доходит до succeeded без дублирования side effects.
func TestController_OrphanedIdempotentRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SeedAgent("agent-2", 2, true)

	var sideEffects int32
	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var checkpoint struct {
			Charged bool `json:"charged"`
		}
		_ = json.Unmarshal(input, &checkpoint)
		if checkpoint.Charged {
			// Продолжение с чекпоинта: списание уже сделано, не повторяем
			return json.RawMessage(`{"charged": true, "receipt": "r-1"}`), nil
		}
		atomic.AddInt32(&sideEffects, 1)
		return json.RawMessage(`{"charged": true}`), nil
	}))

	run := f.prepare(t, billingRequest(true))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))

	// Агент успел записать чекпоинт и умер до завершения
	got, _ := f.store.GetRun(ctx, run.ID)
	got.Checkpoint = json.RawMessage(`{"charged": true}`)
	require.NoError(t, f.store.UpdateRunCAS(ctx, got))
	atomic.AddInt32(&sideEffects, 1) // Списание физически произошло

	require.NoError(t, f.ctrl.HandleAgentDeath(ctx, "agent-1"))

	got, _ = f.store.GetRun(ctx, run.ID)
	require.Equal(t, domain.RunPending, got.State, "idempotent run with checkpoint must be requeued")
	assert.Equal(t, domain.RunOrphaned, got.PreviousState)
	assert.NotEmpty(t, got.Checkpoint)
	assert.Equal(t, 0, f.store.CurrentSlots("agent-1"))

	// Реассайн на живого агента: вход — чекпоинт
	require.NoError(t, f.ctrl.Assign(ctx, got.ID, "agent-2"))
	got, _ = f.store.GetRun(ctx, run.ID)
	got.Input = got.Checkpoint // Роутер передает чекпоинт продолжению
	require.NoError(t, f.store.UpdateRunCAS(ctx, got))

	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ = f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunSucceeded, got.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sideEffects), "side effect must not be duplicated")
}

func TestController_OrphanedNonIdempotentRunStaysForTriage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.HandleAgentDeath(ctx, "agent-1"))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunOrphaned, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrOrphan, got.Error.Category)
}

func TestController_CancelForbiddenWhileCompensating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.Permanent("downstream", "shipment allocation failed")
	}))

	req := billingRequest(false)
	req.Plan = &domain.CompensationPlan{
		Steps: []domain.CompensationStep{
			{Name: "charge", Capability: "billing.refund", Completed: true, Status: domain.StepPending},
		},
	}
	run := f.prepare(t, req)
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	got, _ := f.store.GetRun(ctx, run.ID)
	require.Equal(t, domain.RunCompensating, got.State)

	err := f.ctrl.Cancel(ctx, run.ID, "operator-1")
	assert.ErrorIs(t, err, domain.ErrCancelForbidden)
}

// SLA: сработавший таймер порождает ровно одно действие, даже при
// повторной доставке (дедуп по эпохе в движке таймеров).
func TestController_SLABreachFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, &Suspension{Kind: string(domain.WaitIO), Timeout: time.Hour}
	}))

	req := billingRequest(false)
	req.SLA = &domain.SLASpec{TargetMs: 1, BreachAction: domain.BreachNotify}
	run := f.prepare(t, req)
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	time.Sleep(5 * time.Millisecond)
	// Несколько тиков = повторная доставка того же дедлайна
	require.NoError(t, f.eng.Tick(ctx))
	require.NoError(t, f.eng.Tick(ctx))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, 1, got.SLABreachCount)
	assert.NotNil(t, got.SLABreachedAt)
	assert.Len(t, f.bus.ByType(domain.EventSLABreach), 1)
}

func TestController_SLABreachCancelAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, &Suspension{Kind: string(domain.WaitIO), Timeout: time.Hour}
	}))

	req := billingRequest(false)
	req.SLA = &domain.SLASpec{TargetMs: 1, BreachAction: domain.BreachCancel}
	run := f.prepare(t, req)
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.eng.Tick(ctx))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "cancelled", got.Error.Code)
}

// SLA можно назначить уже исполняющемуся рану: дедлайн отсчитывается
// от фактического старта, а не от момента настройки.
func TestController_ConfigureSLAOnRunningRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))

	require.NoError(t, f.ctrl.ConfigureSLA(ctx, run.ID, &domain.SLASpec{
		TargetMs:     1,
		BreachAction: domain.BreachNotify,
	}))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.eng.Tick(ctx))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Equal(t, 1, got.SLABreachCount)
	assert.Len(t, f.bus.ByType(domain.EventSLABreach), 1)
}

func TestController_ConfigureSLANilDisarmsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := billingRequest(false)
	req.SLA = &domain.SLASpec{TargetMs: 1, BreachAction: domain.BreachNotify}
	run := f.prepare(t, req)
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))

	// Снятие SLA гасит уже взведенный таймер
	require.NoError(t, f.ctrl.ConfigureSLA(ctx, run.ID, nil))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.eng.Tick(ctx))

	got, _ := f.store.GetRun(ctx, run.ID)
	assert.Nil(t, got.SLA)
	assert.Equal(t, 0, got.SLABreachCount)
	assert.Empty(t, f.bus.ByType(domain.EventSLABreach))
}

func TestController_ConfigureSLAOnTerminalRunRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	err := f.ctrl.ConfigureSLA(ctx, run.ID, &domain.SLASpec{TargetMs: 1000})
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestController_DrainNotifierCalledOnLastRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var drained []string
	f.ctrl.BindDrainNotifier(drainFunc(func(_ context.Context, agentID string) error {
		drained = append(drained, agentID)
		return nil
	}))

	f.registry.Register("billing.charge", ExecutorFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	run := f.prepare(t, billingRequest(false))
	require.NoError(t, f.ctrl.Assign(ctx, run.ID, "agent-1"))
	require.NoError(t, f.ctrl.Dispatch(ctx, run.ID))

	assert.Equal(t, []string{"agent-1"}, drained)
}

type drainFunc func(ctx context.Context, agentID string) error

func (f drainFunc) DrainComplete(ctx context.Context, agentID string) error { return f(ctx, agentID) }
