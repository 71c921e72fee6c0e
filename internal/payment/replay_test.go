package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplayGuardFirstUseWins(t *testing.T) {
	g := NewMemoryReplayGuard()

	first, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestMemoryReplayGuardHashesAreIndependent(t *testing.T) {
	g := NewMemoryReplayGuard()

	_, err := g.MarkUsed(context.Background(), "0xaaa", time.Minute)
	require.NoError(t, err)

	first, err := g.MarkUsed(context.Background(), "0xbbb", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMemoryReplayGuardExpiryFreesHash(t *testing.T) {
	g := NewMemoryReplayGuard()
	current := time.Unix(1_800_000_000, 0)
	g.now = func() time.Time { return current }

	first, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	current = current.Add(2 * time.Minute)
	again, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, again, "expired entries no longer block the hash")
}

func TestMemoryReplayGuardConcurrentSingleWinner(t *testing.T) {
	g := NewMemoryReplayGuard()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if first, _ := g.MarkUsed(context.Background(), "0xrace", time.Minute); first {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

// fakeReplayBackend records SetNX calls.
type fakeReplayBackend struct {
	keys map[string]bool
	err  error
	last string
}

func (f *fakeReplayBackend) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.last = key
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func TestRedisReplayGuardPrefixesKeys(t *testing.T) {
	backend := &fakeReplayBackend{}
	g := NewRedisReplayGuard(backend)

	first, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, "payment:used:0xabc", backend.last)

	second, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestRedisReplayGuardPropagatesErrors(t *testing.T) {
	backend := &fakeReplayBackend{err: errors.New("connection refused")}
	g := NewRedisReplayGuard(backend)

	_, err := g.MarkUsed(context.Background(), "0xabc", time.Minute)
	assert.Error(t, err)
}
