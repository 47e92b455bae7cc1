package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper оборачивает исполнителя тремя рубежами:
// rate limiter (не даем затопить внешнюю систему), circuit breaker
// (перестаем ходить к лежащей системе) и ретраер с уважением Retry-After.
// Suspension сквозная: приостановка — не отказ, ее не ретраим и не считаем в CB.
type ReliabilityWrapper struct {
	next    Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	attempts    uint
	callTimeout time.Duration
}

type ReliabilityOptions struct {
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	RPS           float64
	Burst         int
	Attempts      uint
	CallTimeout   time.Duration
}

func NewReliabilityWrapper(next Provider, opts ReliabilityOptions) *ReliabilityWrapper {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.RPS == 0 {
		opts.RPS = 100
	}
	if opts.Burst == 0 {
		opts.Burst = 20
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "run-executor",
		MaxRequests: opts.CBMaxRequests,
		Interval:    opts.CBInterval,
		Timeout:     opts.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся, блокируем трафик
			return counts.ConsecutiveFailures > 5
		},
	})

	return &ReliabilityWrapper{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		attempts:    opts.Attempts,
		callTimeout: opts.CallTimeout,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, capability string, input json.RawMessage) (json.RawMessage, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var finalData []byte

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.LastErrorOnly(true),
			// Приостановка — не сбой: выходим из ретраера сразу
			retry.RetryIf(func(err error) bool {
				var susp *Suspension
				return !errors.As(err, &susp)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Исполнитель вернул ThrottleError (считал Retry-After) — уважаем паузу
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
			defer cancel()

			var callErr error
			finalData, callErr = w.next.Call(tCtx, capability, input)
			return callErr
		})

		var susp *Suspension
		if errors.As(retryErr, &susp) {
			// Приостановку прокидываем наружу, но для CB это не ошибка
			return susp, nil
		}
		return finalData, retryErr
	})

	if err != nil {
		return nil, err
	}
	if susp, ok := cbResult.(*Suspension); ok {
		return nil, susp
	}
	return cbResult.([]byte), nil
}
