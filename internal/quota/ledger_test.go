package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTrySpend_DeniesAtLimitAndSlides(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	l := NewLedger(store, 2, WithClock(clock.Now))

	ok, err := l.TrySpend(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Hour)
	ok, err = l.TrySpend(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Hour)
	ok, err = l.TrySpend(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "third spend inside the window must be denied")
	assert.Len(t, store.Record(7), 2, "denied spend must not append")

	// 24h+1s after the first spend the oldest entry leaves the window.
	clock.Advance(22*time.Hour + time.Second)
	ok, err = l.TrySpend(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	rec := store.Record(7)
	require.Len(t, rec, 2)
	assert.Equal(t, clock.Now(), rec[1])
}

func TestTrySpend_WhitelistedNeverRecorded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.AddWhitelist(ctx, 1))
	l := NewLedger(store, 1)

	for i := 0; i < 5; i++ {
		ok, err := l.TrySpend(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, store.Record(1))
	assert.Equal(t, 0, store.Writes())

	rem, err := l.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rem)
}

func TestTrySpend_UsersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), 1)

	ok, _ := l.TrySpend(ctx, 1)
	assert.True(t, ok)
	ok, _ = l.TrySpend(ctx, 2)
	assert.True(t, ok)
	ok, _ = l.TrySpend(ctx, 1)
	assert.False(t, ok)
}

func TestRemaining(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := NewLedger(NewMemoryStore(), 3, WithClock(clock.Now))

	rem, err := l.Remaining(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 3, rem)

	_, _ = l.TrySpend(ctx, 9)
	rem, _ = l.Remaining(ctx, 9)
	assert.Equal(t, 2, rem)

	clock.Advance(DefaultWindow)
	rem, _ = l.Remaining(ctx, 9)
	assert.Equal(t, 3, rem)
}

func TestTrySpend_DenialPersistsPruneOnly(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	now := clock.Now()
	old := now.Add(-30 * time.Hour)
	require.NoError(t, store.Update(ctx, 3, func([]time.Time) ([]time.Time, bool) {
		return []time.Time{old, now.Add(-2 * time.Hour), now.Add(-time.Hour)}, true
	}))

	l := NewLedger(store, 2, WithClock(clock.Now))
	ok, err := l.TrySpend(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []time.Time{now.Add(-2 * time.Hour), now.Add(-time.Hour)}, store.Record(3))
}

func TestPrune(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		now.Add(-25 * time.Hour),
		now.Add(-24 * time.Hour),
		now.Add(-23 * time.Hour),
		now,
	}
	assert.Equal(t, stamps[2:], Prune(stamps, now, 24*time.Hour))
	assert.Empty(t, Prune(nil, now, time.Hour))
}

func TestTrySpend_ConcurrentCallersRespectLimit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TrySpend(ctx, 42)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
}
