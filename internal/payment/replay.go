package payment

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard enforces single use of payment hashes. MarkUsed returns
// true the first time a hash is seen and false on every later attempt.
// Entries only need to outlive the authorization validity window, so
// guards may expire them after ttl.
type ReplayGuard interface {
	MarkUsed(ctx context.Context, hash string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is the in-process guard used when no Redis is
// configured. Suitable for a single gateway instance.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // hash -> expiry
	now  func() time.Time
}

// NewMemoryReplayGuard creates an empty in-memory guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkUsed implements ReplayGuard.
func (g *MemoryReplayGuard) MarkUsed(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, ok := g.seen[hash]; ok && now.Before(expiry) {
		return false, nil
	}
	g.seen[hash] = now.Add(ttl)

	// Opportunistic sweep keeps the map from growing unbounded
	// without a background goroutine.
	if len(g.seen) > 4096 {
		for h, expiry := range g.seen {
			if now.After(expiry) {
				delete(g.seen, h)
			}
		}
	}
	return true, nil
}

// ReplayBackend is the slice of Redis the distributed guard needs.
// infra.Redis implements it; tests use small fakes.
type ReplayBackend interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

const replayKeyPrefix = "payment:used:"

// RedisReplayGuard enforces single use across gateway instances with
// SETNX. First writer wins; everyone else sees a replay.
type RedisReplayGuard struct {
	backend ReplayBackend
}

// NewRedisReplayGuard wraps a backend into a guard.
func NewRedisReplayGuard(backend ReplayBackend) *RedisReplayGuard {
	return &RedisReplayGuard{backend: backend}
}

// MarkUsed implements ReplayGuard. Backend errors propagate; the
// verifier fails closed on them rather than risking a double spend.
func (g *RedisReplayGuard) MarkUsed(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return g.backend.SetNX(ctx, replayKeyPrefix+hash, "1", ttl)
}
