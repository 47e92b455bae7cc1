package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Executor — единый контракт исполнителя: контроллеру все равно, что именно
// делает handler. Диспетчеризация — по строковому ключу способности.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc — адаптер для функций-исполнителей.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// Registry — реестр исполнителей по способностям. Заполняется при сборке,
// читается из горячего пути — поэтому RWMutex.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Executor)}
}

// Register привязывает исполнителя к способности. Повторная регистрация
// перекрывает предыдущую.
func (r *Registry) Register(capability string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[capability] = e
}

// Get возвращает исполнителя способности.
func (r *Registry) Get(capability string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[capability]
	if !ok {
		return nil, fmt.Errorf("executor: no handler registered for capability %q", capability)
	}
	return e, nil
}

// Call — диспетчеризация по ключу: реестр сам является провайдером исполнения.
func (r *Registry) Call(ctx context.Context, capability string, input json.RawMessage) (json.RawMessage, error) {
	e, err := r.Get(capability)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, input)
}

// Provider — то, что видит Run Controller: вызов способности по имени.
// Реализуется реестром напрямую или через ReliabilityWrapper.
type Provider interface {
	Call(ctx context.Context, capability string, input json.RawMessage) (json.RawMessage, error)
}

// Capabilities — список зарегистрированных способностей (для консоли).
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	return out
}

// ThrottleError возвращается исполнителем, когда внешняя система попросила
// притормозить (например, прочитан Retry-After). Ретраер уважает эту паузу
// вместо стандартного бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// Suspension — кооперативная приостановка: исполнитель возвращает ее вместо
// результата, когда дальше двигаться нельзя без внешнего события.
// Контроллер превращает ее в waiting_io / waiting_hitl с персистентным дедлайном.
type Suspension struct {
	Kind        string        // domain.WaitKind
	Timeout     time.Duration // Сколько ждать до таймаута ожидания
	ResumeToken string        // Курсор для продолжения
	Checkpoint  json.RawMessage
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("execution suspended: waiting for %s", s.Kind)
}
