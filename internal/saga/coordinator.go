package saga

/*
Saga Coordinator ведет откат частично выполненной работы.

Правила:
 - компенсации идут строго в обратном порядке завершения прямых шагов;
 - шаг, чье прямое действие не выполнялось, пропускается (откатывать нечего);
 - прогресс персистится после каждого шага: упавший координатор продолжит
   с места остановки, уже откаченные шаги не повторяются;
 - если компенсация шага не удалась после повторов, план помечается
   incomplete и ран остается failed — ручное вмешательство, никакого succeeded.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/runs"
	"go.uber.org/zap"
)

// RunStore — минимальный срез персистентности, нужный координатору.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRunCAS(ctx context.Context, run *domain.Run) error
}

type Coordinator struct {
	store    RunStore
	executor runs.Provider
	trail    audit.Recorder
	bus      events.Bus
	logger   *zap.Logger

	stepAttempts uint
}

func NewCoordinator(store RunStore, executor runs.Provider, trail audit.Recorder, bus events.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		executor:     executor,
		trail:        trail,
		bus:          bus,
		logger:       logger.Named("saga"),
		stepAttempts: 3,
	}
}

// Compensate откатывает ран в состоянии compensating. Идемпотентен:
// повторный вызов продолжает с первого неоткаченного шага.
func (c *Coordinator) Compensate(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunCompensating {
		return &domain.StateTransitionError{Entity: "run", From: string(run.State), To: string(domain.RunCompensating)}
	}
	if run.Plan == nil || len(run.Plan.Steps) == 0 {
		return fmt.Errorf("saga: run %s has no compensation plan", runID)
	}

	run.Plan.Status = domain.CompensationPending

	// Строго обратный порядок завершения прямых шагов
	for i := len(run.Plan.Steps) - 1; i >= 0; i-- {
		step := &run.Plan.Steps[i]

		if step.Status == domain.StepCompensated || step.Status == domain.StepSkipped {
			continue // Уже обработан предыдущим заходом координатора
		}
		if !step.Completed {
			// Прямое действие не выполнялось — откатывать нечего
			step.Status = domain.StepSkipped
			if err := c.store.UpdateRunCAS(ctx, run); err != nil {
				return err
			}
			continue
		}

		if err := c.compensateStep(ctx, run, step); err != nil {
			// Откат застрял: фиксируем incomplete и уводим ран в failed
			step.Status = domain.StepFailed
			step.Error = err.Error()
			run.Plan.Status = domain.CompensationIncomplete
			run.Error = domain.Permanent("compensation_incomplete",
				fmt.Sprintf("step %q failed after %d attempts: %v", step.Name, step.Attempts, err))
			return c.finish(ctx, run, domain.RunFailed,
				fmt.Sprintf("compensation incomplete at step %q", step.Name))
		}
	}

	run.Plan.Status = domain.CompensationComplete
	return c.finish(ctx, run, domain.RunCompensated, "all steps compensated")
}

// Redrive — ручной перезапуск застрявшего отката: оператор устранил причину
// (например, поднял недоступный сервис) и снова гонит failed-ран через
// компенсацию. Уже откаченные шаги не повторяются.
func (c *Coordinator) Redrive(ctx context.Context, runID, operator string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Plan == nil || len(run.Plan.Steps) == 0 {
		return fmt.Errorf("saga: run %s has no compensation plan", runID)
	}
	if err := run.State.CanTransition(domain.RunCompensating); err != nil {
		return err
	}

	run.PreviousState = run.State
	run.State = domain.RunCompensating
	run.CompletedAt = nil
	if err := c.store.UpdateRunCAS(ctx, run); err != nil {
		return err
	}
	c.trail.Record(audit.Entry{
		ID:        uuid.New().String(),
		Kind:      audit.KindTransition,
		EntityID:  run.ID,
		FromState: string(run.PreviousState),
		ToState:   string(domain.RunCompensating),
		ActorID:   operator,
		Reason:    "compensation re-driven",
		Status:    "APPLIED",
	})
	c.logger.Info("compensation re-driven",
		zap.String("run_id", runID),
		zap.String("operator", operator))

	return c.Compensate(ctx, runID)
}

func (c *Coordinator) compensateStep(ctx context.Context, run *domain.Run, step *domain.CompensationStep) error {
	started := time.Now()
	step.StartedAt = &started

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.stepAttempts),
		retry.LastErrorOnly(true),
	).Do(func() error {
		step.Attempts++
		_, callErr := c.executor.Call(ctx, step.Capability, step.Input)
		return callErr
	})

	finished := time.Now()
	step.FinishedAt = &finished

	status := "APPLIED"
	if err != nil {
		status = "FAILED"
	} else {
		step.Status = domain.StepCompensated
	}

	c.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindSagaStep,
		EntityID: run.ID,
		Reason:   step.Name,
		Status:   status,
		Details: map[string]interface{}{
			"capability": step.Capability,
			"attempts":   step.Attempts,
		},
	})
	c.logger.Info("saga step compensated",
		zap.String("run_id", run.ID),
		zap.String("step", step.Name),
		zap.Int("attempts", step.Attempts),
		zap.Bool("ok", err == nil))

	if err != nil {
		return err
	}
	// Персистим после каждого шага: рестарт продолжит отсюда
	return c.store.UpdateRunCAS(ctx, run)
}

func (c *Coordinator) finish(ctx context.Context, run *domain.Run, to domain.RunState, reason string) error {
	if err := run.State.CanTransition(to); err != nil {
		return err
	}
	run.PreviousState = run.State
	run.State = to
	now := time.Now()
	run.CompletedAt = &now

	if err := c.store.UpdateRunCAS(ctx, run); err != nil {
		return err
	}

	c.trail.Record(audit.Entry{
		ID:        uuid.New().String(),
		Kind:      audit.KindTransition,
		EntityID:  run.ID,
		FromState: string(run.PreviousState),
		ToState:   string(to),
		Reason:    reason,
		Status:    "APPLIED",
	})
	payload, _ := json.Marshal(domain.TransitionPayload{
		From:   string(run.PreviousState),
		To:     string(to),
		Reason: reason,
	})
	_ = c.bus.Publish(ctx, domain.Event{
		Type:     domain.EventRunTransition,
		EntityID: run.ID,
		Payload:  payload,
	})
	return nil
}
