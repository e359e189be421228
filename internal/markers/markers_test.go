package markers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
)

// advanceSequence exercises the monotonic contract on any Store.
func advanceSequence(t *testing.T, s Store, id string) {
	t.Helper()
	ctx := context.Background()

	steps := []struct {
		threshold time.Duration
		want      bool
	}{
		{15 * time.Minute, true},
		{15 * time.Minute, false},
		{10 * time.Minute, true},
		{15 * time.Minute, false},
		{5 * time.Minute, true},
		{5 * time.Minute, false},
		{10 * time.Minute, false},
	}
	for _, step := range steps {
		ok, err := s.Advance(ctx, id, step.threshold)
		require.NoError(t, err)
		assert.Equal(t, step.want, ok, "threshold %v", step.threshold)
	}
}

func TestMemoryStoreMonotonic(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC), time.UTC)
	advanceSequence(t, NewMemoryStore(clk, time.Hour), "c-1")
}

func TestMemoryStoreExpiry(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC), time.UTC)
	s := NewMemoryStore(clk, time.Hour)
	ctx := context.Background()

	ok, err := s.Advance(ctx, "c-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(time.Hour)
	ok, err = s.Advance(ctx, "c-1", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired marker is gone")
}

func TestMemoryStoreConcurrentAdvance(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC), time.UTC)
	s := NewMemoryStore(clk, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Advance(context.Background(), "c-1", 10*time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// TestRedisStore_Integration requires a running Redis.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	s := NewRedisStore(client, time.Minute)
	id := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), s.prefix+id) })

	advanceSequence(t, s, id)

	ttl, err := client.PTTL(context.Background(), s.prefix+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
