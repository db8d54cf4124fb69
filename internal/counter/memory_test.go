package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIncrementReturnsNewValue(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	v, err := s.Increment(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Increment(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStoreGetMissingKeyIsZero(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	v, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMemoryStoreDecrement(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Increment(ctx, "gauge")
	require.NoError(t, err)
	_, err = s.Increment(ctx, "gauge")
	require.NoError(t, err)
	require.NoError(t, s.Decrement(ctx, "gauge"))

	v, err := s.Get(ctx, "gauge")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Increment(ctx, "window")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, "window", 20*time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	// The lazy check drops lapsed keys even before the sweeper runs.
	v, err := s.Get(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = s.Increment(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "expired key restarts from zero")
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	seen := make(chan int64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, err := s.Increment(ctx, "hot")
				assert.NoError(t, err)
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	// Post-increment values must be a permutation of 1..N: atomicity means
	// no value is ever handed out twice.
	unique := make(map[int64]bool)
	for v := range seen {
		assert.False(t, unique[v], "duplicate post-increment value %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, workers*perWorker)

	final, err := s.Get(ctx, "hot")
	assert.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), final)
}
