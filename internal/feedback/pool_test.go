package feedback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRecomputer fails the first failures calls.
type flakyRecomputer struct {
	mu       sync.Mutex
	failures int
	calls    int
	done     [][]string
}

func (f *flakyRecomputer) RecomputeSignals(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errStoreDown
	}
	f.done = append(f.done, ids)
	return nil
}

func TestPoolRunsQueuedJobs(t *testing.T) {
	p := NewPool(PoolOptions{Workers: 2, InitialDelay: time.Millisecond}, zerolog.Nop())
	r := &flakyRecomputer{}

	// jobs dispatched before Start wait in the queue
	require.NoError(t, p.Dispatch(context.Background(), []string{"a"}))
	require.NoError(t, p.Dispatch(context.Background(), []string{"b", "c"}))
	assert.Equal(t, 2, p.Pending())

	p.Start(r)
	p.Start(r)
	p.Close()

	assert.ElementsMatch(t, [][]string{{"a"}, {"b", "c"}}, r.done)
}

func TestPoolRetriesWithBackoff(t *testing.T) {
	p := NewPool(PoolOptions{Workers: 1, MaxAttempts: 3, InitialDelay: time.Millisecond}, zerolog.Nop())
	r := &flakyRecomputer{failures: 2}
	p.Start(r)

	require.NoError(t, p.Dispatch(context.Background(), []string{"a"}))
	p.Close()

	assert.Equal(t, 3, r.calls)
	assert.Equal(t, [][]string{{"a"}}, r.done)
}

func TestPoolGivesUp(t *testing.T) {
	p := NewPool(PoolOptions{Workers: 1, MaxAttempts: 2, InitialDelay: time.Millisecond}, zerolog.Nop())
	r := &flakyRecomputer{failures: 10}
	p.Start(r)

	require.NoError(t, p.Dispatch(context.Background(), []string{"a"}))
	p.Close()

	assert.Equal(t, 2, r.calls)
	assert.Empty(t, r.done)
}

func TestPoolFullAndClosed(t *testing.T) {
	p := NewPool(PoolOptions{QueueSize: 1}, zerolog.Nop())

	require.NoError(t, p.Dispatch(context.Background(), []string{"a"}))
	assert.ErrorIs(t, p.Dispatch(context.Background(), []string{"b"}), ErrDispatcherFull)

	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Dispatch(context.Background(), []string{"c"}), ErrDispatcherClose)
}

func TestPoolCopiesJob(t *testing.T) {
	p := NewPool(PoolOptions{Workers: 1}, zerolog.Nop())
	r := &flakyRecomputer{}

	ids := []string{"a", "b"}
	require.NoError(t, p.Dispatch(context.Background(), ids))
	ids[0] = "mutated"

	p.Start(r)
	p.Close()
	assert.Equal(t, [][]string{{"a", "b"}}, r.done)
}

func TestEngineWithPool(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	pool := NewPool(PoolOptions{Workers: 2, InitialDelay: time.Millisecond}, zerolog.Nop())
	e := NewEngine(store, zerolog.Nop(), WithDispatcher(pool))
	pool.Start(e)

	for i, score := range []int{5, 5, 4, 5} {
		_, err := e.SubmitRating(ctx, rating(string(rune('a'+i)), score, "c1", "c2"))
		require.NoError(t, err)
	}
	pool.Close()

	for _, id := range []string{"c1", "c2"} {
		s, ok := store.signal(id)
		require.True(t, ok, id)
		assert.Equal(t, 4, s.RatingCount)
		assert.Greater(t, s.Multiplier, 1.0)
		assert.LessOrEqual(t, s.Multiplier, MaxMultiplier)
	}
}
