// ============================================================================
// Consulta Engine - Warning Markers
// ============================================================================
//
// Package: internal/markers
// File: markers.go
// Purpose: Per-consultation "last warning sent" marker for the time-remaining
//          sweep.
//
// A marker only moves down (15m → 10m → 5m). Advance succeeds when the new
// threshold is strictly lower than the stored one, so overlapping sweep runs
// notify each threshold at most once. Markers expire on their own.
//
// ============================================================================

package markers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
)

// Store records warning thresholds.
type Store interface {
	// Advance records threshold for id if it is lower than the current
	// marker (or no marker exists) and reports whether it did.
	Advance(ctx context.Context, id string, threshold time.Duration) (bool, error)
}

// DefaultTTL outlives any session.
const DefaultTTL = 2 * time.Hour

// ============================================================================
// Redis
// ============================================================================

// KEYS[1] = marker key
// ARGV[1] = threshold (seconds)
// ARGV[2] = ttl (milliseconds)
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]))
local threshold = tonumber(ARGV[1])
if current and current <= threshold then
    return 0
end
redis.call("SET", KEYS[1], threshold, "PX", ARGV[2])
return 1
`)

// RedisStore keeps markers in Redis; safe across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A non-positive ttl uses DefaultTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "consulta:warning:", ttl: ttl}
}

func (s *RedisStore) Advance(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	res, err := advanceScript.Run(ctx, s.client, []string{s.prefix + id},
		int64(threshold/time.Second), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis marker error: %w", err)
	}
	return res == 1, nil
}

// ============================================================================
// Memory
// ============================================================================

type entry struct {
	threshold time.Duration
	expiresAt time.Time
}

// MemoryStore is the single-process fallback.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	m     map[string]entry
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(clk clock.Clock, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{clock: clk, ttl: ttl, m: make(map[string]entry)}
}

func (s *MemoryStore) Advance(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.m[id]; ok && now.Before(e.expiresAt) && e.threshold <= threshold {
		return false, nil
	}
	s.m[id] = entry{threshold: threshold, expiresAt: now.Add(s.ttl)}
	return true, nil
}
