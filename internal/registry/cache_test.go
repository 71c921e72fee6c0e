package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed listing and counts refreshes.
type fakeSource struct {
	agents    []AgentRecord
	err       error
	listCalls int
}

func (f *fakeSource) NextAgentID(context.Context) (int64, error) {
	return int64(len(f.agents)) + 1, nil
}

func (f *fakeSource) GetAgent(_ context.Context, id int64) (AgentRecord, error) {
	for _, a := range f.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return AgentRecord{}, ErrAgentNotFound
}

func (f *fakeSource) ListAgents(context.Context) ([]AgentRecord, error) {
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.agents, nil
}

func testRecords() []AgentRecord {
	dev := common.HexToAddress("0x5555555555555555555555555555555555555555")
	return []AgentRecord{
		{ID: 1, Developer: dev, Name: "Swap Helper", PricePerExecution: big.NewInt(250000), Active: true},
		{ID: 2, Developer: dev, Name: "Portfolio Watcher", PricePerExecution: big.NewInt(100000), Active: true},
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	source := &fakeSource{agents: testRecords()}
	cache := NewCache(source, time.Minute)

	for i := 0; i < 5; i++ {
		agents, err := cache.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, agents, 2)
	}
	assert.Equal(t, 1, source.listCalls, "fresh cache answers without hitting the source")
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	source := &fakeSource{agents: testRecords()}
	cache := NewCache(source, time.Minute)

	current := time.Unix(1_800_000_000, 0)
	cache.now = func() time.Time { return current }

	_, err := cache.List(context.Background())
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = cache.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, source.listCalls)
}

func TestCacheGet(t *testing.T) {
	source := &fakeSource{agents: testRecords()}
	cache := NewCache(source, time.Minute)

	rec, err := cache.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Portfolio Watcher", rec.Name)

	_, err = cache.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCacheServesStaleOnSourceFailure(t *testing.T) {
	source := &fakeSource{agents: testRecords()}
	cache := NewCache(source, time.Minute)

	current := time.Unix(1_800_000_000, 0)
	cache.now = func() time.Time { return current }

	_, err := cache.List(context.Background())
	require.NoError(t, err)

	source.err = errors.New("rpc down")
	current = current.Add(2 * time.Minute)

	agents, err := cache.List(context.Background())
	require.NoError(t, err, "stale listing beats a hard failure")
	assert.Len(t, agents, 2)
}

func TestCacheFailsWhenEmptyAndSourceDown(t *testing.T) {
	source := &fakeSource{err: errors.New("rpc down")}
	cache := NewCache(source, time.Minute)

	_, err := cache.List(context.Background())
	assert.Error(t, err)
}

func TestCacheInvalidate(t *testing.T) {
	source := &fakeSource{agents: testRecords()}
	cache := NewCache(source, time.Hour)

	_, err := cache.List(context.Background())
	require.NoError(t, err)

	cache.Invalidate()

	_, err = cache.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, source.listCalls)
}
