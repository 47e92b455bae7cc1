package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_ExponentialShape(t *testing.T) {
	spec := BackoffSpec{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}

	assert.Equal(t, 100*time.Millisecond, BackoffDelay(0, spec, nil))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(1, spec, nil))
	assert.Equal(t, 400*time.Millisecond, BackoffDelay(2, spec, nil))
	assert.Equal(t, 800*time.Millisecond, BackoffDelay(3, spec, nil))
}

func TestBackoffDelay_CappedAtMax(t *testing.T) {
	spec := BackoffSpec{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   3,
	}

	assert.Equal(t, 5*time.Second, BackoffDelay(10, spec, nil))
	// Экстремальная степень не должна переполнять Duration
	assert.Equal(t, 5*time.Second, BackoffDelay(500, spec, nil))
}

func TestBackoffDelay_JitterStaysInWindow(t *testing.T) {
	spec := BackoffSpec{
		InitialDelay: 1 * time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2,
		Jitter:       true,
	}
	rnd := rand.New(rand.NewSource(42))

	base := 4 * time.Second // attempt=2
	for i := 0; i < 1000; i++ {
		d := BackoffDelay(2, spec, rnd)
		require.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		require.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
	}
}

func TestBackoffDelay_NegativeAttemptTreatedAsZero(t *testing.T) {
	spec := BackoffSpec{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, time.Second, BackoffDelay(-3, spec, nil))
}

func TestBackoffSpec_Factor(t *testing.T) {
	spec := BackoffSpec{Multiplier: 2}
	assert.InDelta(t, 1.0, spec.Factor(0), 1e-9)
	assert.InDelta(t, 8.0, spec.Factor(3), 1e-9)
}
