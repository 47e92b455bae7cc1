package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory — таксономия отказов. От категории зависит политика обработки:
// retry с бэкоффом, немедленный fail, карантин или разбор осиротевшего рана.
type ErrorCategory string

const (
	ErrTransient ErrorCategory = "transient" // Сеть/таймаут — повторяем с бэкоффом
	ErrPermanent ErrorCategory = "permanent" // Валидация/авторизация — без повторов
	ErrPolicy    ErrorCategory = "policy"    // Нарушение политики — карантин, без повторов
	ErrOrphan    ErrorCategory = "orphan"    // Владелец потерян — решает recovery policy
)

// StructuredError — то, что видит пользователь у терминального failed рана.
type StructuredError struct {
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Retriable bool          `json:"retriable"`
	Category  ErrorCategory `json:"category"`
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Category, e.Message)
}

// Transient — сетевые сбои, таймауты внешних систем.
func Transient(code, msg string) *StructuredError {
	return &StructuredError{Code: code, Message: msg, Retriable: true, Category: ErrTransient}
}

// Permanent — ошибка валидации или прав, повторять бессмысленно.
func Permanent(code, msg string) *StructuredError {
	return &StructuredError{Code: code, Message: msg, Retriable: false, Category: ErrPermanent}
}

// PolicyViolation — нарушение политики безопасности. Не повторяется, агент кандидат в карантин.
func PolicyViolation(code, msg string) *StructuredError {
	return &StructuredError{Code: code, Message: msg, Retriable: false, Category: ErrPolicy}
}

// Orphaned — владелец рана потерян.
func Orphaned(msg string) *StructuredError {
	return &StructuredError{Code: "owner_lost", Message: msg, Retriable: false, Category: ErrOrphan}
}

// Classify приводит произвольную ошибку исполнителя к StructuredError.
// Неизвестные ошибки считаем transient: лучше лишний retry, чем потерянная работа.
func Classify(err error) *StructuredError {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}
	return Transient("executor_error", err.Error())
}

// StateTransitionError — попытка нелегального перехода в конечном автомате.
type StateTransitionError struct {
	Entity string // "agent" или "run"
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition from %q to %q", e.Entity, e.From, e.To)
}

// Сентинели уровня домена
var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionConflict = errors.New("version conflict: concurrent modification")
	ErrLeaseDenied     = errors.New("lease denied: scope is held by another owner")
	ErrNoCandidates    = errors.New("routing: no eligible agents for rule")
	ErrCapacity        = errors.New("agent capacity exhausted")
	ErrCancelForbidden = errors.New("cancellation is not allowed while compensating")
	ErrWaitExpired     = errors.New("wait deadline already passed, run cannot be resumed")
)
