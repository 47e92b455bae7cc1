package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_AcquireDeny(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "resource:42", "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "resource:42", "run-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must be denied")

	holder, err := m.Holder(ctx, "resource:42")
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)
}

// Scenario C: два конкурентных Acquire на один скоуп — ровно один granted.
func TestMemoryManager_ConcurrentAcquireExactlyOneWins(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		m := NewMemoryManager()
		var granted int32
		var mu sync.Mutex
		var wg sync.WaitGroup

		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(owner int) {
				defer wg.Done()
				ok, err := m.Acquire(ctx, "resource:42", string(rune('a'+owner)), time.Minute)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()
		assert.Equal(t, int32(1), granted)
	}
}

func TestMemoryManager_TTLExpiryFreesScope(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	ok, err := m.Acquire(ctx, "s", "crashed-owner", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Владелец умер, Release не вызван. Через TTL скоуп свободен.
	now = now.Add(31 * time.Second)

	holder, err := m.Holder(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = m.Acquire(ctx, "s", "new-owner", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryManager_RenewOnlyByOwner(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "s", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, m.Renew(ctx, "s", "a", time.Minute))
	assert.ErrorIs(t, m.Renew(ctx, "s", "b", time.Minute), ErrNotOwner)
	assert.ErrorIs(t, m.Renew(ctx, "missing", "a", time.Minute), ErrNotOwner)
}

func TestMemoryManager_ReleaseIgnoresForeignOwner(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "s", "a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "s", "b")) // Чужой Release — no-op
	holder, _ := m.Holder(ctx, "s")
	assert.Equal(t, "a", holder)

	require.NoError(t, m.Release(ctx, "s", "a"))
	holder, _ = m.Holder(ctx, "s")
	assert.Empty(t, holder)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	k1 := IdempotencyKey("wd-1", "actor-1", []byte(`{"a":1,"b":2}`))
	k2 := IdempotencyKey("wd-1", "actor-1", []byte(`{"b":2,"a":1}`))
	assert.Equal(t, k1, k2, "field order must not change the key")

	k3 := IdempotencyKey("wd-1", "actor-2", []byte(`{"a":1,"b":2}`))
	assert.NotEqual(t, k1, k3)

	k4 := IdempotencyKey("wd-2", "actor-1", []byte(`{"a":1,"b":2}`))
	assert.NotEqual(t, k1, k4)
}

func TestIdempotencyKey_NonJSONInput(t *testing.T) {
	k1 := IdempotencyKey("wd", "a", []byte("raw-bytes"))
	k2 := IdempotencyKey("wd", "a", []byte("raw-bytes"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, IdempotencyKey("wd", "a", []byte("other")))
}
