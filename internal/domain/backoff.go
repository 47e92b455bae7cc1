package domain

import (
	"math"
	"math/rand"
	"time"
)

// BackoffSpec — параметры экспоненциального бэкоффа. Одна и та же форма
// используется и для агентов (EscalateFailure), и для повторов ранов.
type BackoffSpec struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       bool          `json:"jitter"`

	// MaxFactor — предел накопленного multiplier^attempt. Превышение означает,
	// что бэкофф больше не помогает: агент уходит в карантин на ручной разбор.
	MaxFactor float64 `json:"max_factor"`
}

// Factor возвращает multiplier^attempt без ограничения сверху —
// именно это значение сравнивается с MaxFactor.
func (b BackoffSpec) Factor(attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	return math.Pow(b.Multiplier, float64(attempt))
}

// BackoffDelay — чистая функция: delay = min(maxDelay, initial * multiplier^attempt),
// опционально ±20% джиттера против синхронных retry-штормов.
// Тестируется отдельно от планировщика.
func BackoffDelay(attempt int, spec BackoffSpec, rnd *rand.Rand) time.Duration {
	d := time.Duration(float64(spec.InitialDelay) * spec.Factor(attempt))
	if d > spec.MaxDelay || d < 0 { // отрицательное = переполнение float->Duration
		d = spec.MaxDelay
	}
	if spec.Jitter && rnd != nil {
		// Равномерно в [0.8d, 1.2d]
		f := 0.8 + 0.4*rnd.Float64()
		d = time.Duration(float64(d) * f)
	}
	return d
}
