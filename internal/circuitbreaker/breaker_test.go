package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing() (interface{}, error) { return nil, errUpstream }
func succeeding() (interface{}, error) {
	return "ok", nil
}

// testConfig trips on three consecutive failures and recovers fast so
// tests never wait on real-world timeouts.
func testConfig(transitions *[]string) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Hour,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to State) {
			if transitions != nil {
				*transitions = append(*transitions, from.String()+"->"+to.String())
			}
		},
	}
}

func TestClosedBreakerPassesThroughAndCounts(t *testing.T) {
	cb := New(testConfig(nil))

	res, err := cb.Execute(succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	_, err = cb.Execute(failing)
	require.ErrorIs(t, err, errUpstream)

	counts := cb.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	var transitions []string
	cb := New(testConfig(&transitions))

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(failing)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)

	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var transitions []string
	cb := New(testConfig(&transitions))

	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests is 1, so a single successful probe closes the circuit.
	_, err := cb.Execute(succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig(nil))

	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(failing)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenCapsProbes(t *testing.T) {
	cb := New(testConfig(nil))

	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// The outer probe occupies the single half-open slot, so a request
	// arriving while it runs is rejected.
	_, err := cb.Execute(func() (interface{}, error) {
		_, inner := cb.Execute(succeeding)
		assert.ErrorIs(t, inner, ErrTooManyRequests)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestResultFromOldGenerationIsIgnored(t *testing.T) {
	cfg := testConfig(nil)
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	cb := New(cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(func() (interface{}, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()

	<-started
	cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	// The slow call finishes after the trip; its success must not leak
	// into the open generation.
	close(release)
	wg.Wait()
	assert.Equal(t, StateOpen, cb.State())
	assert.Zero(t, cb.Counts().TotalSuccesses)
}

func TestIntervalStartsFreshGeneration(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Interval = 20 * time.Millisecond
	cb := New(cfg)

	cb.Execute(succeeding)
	cb.Execute(succeeding)
	require.Equal(t, uint32(2), cb.Counts().Requests)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Requests)
}

func TestExecuteContextPassesContext(t *testing.T) {
	cb := New(testConfig(nil))

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	res, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return ctx.Value(key{}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", res)
}

func TestDefaultConfigTripsAtHalfFailureRate(t *testing.T) {
	cfg := DefaultConfig("defaults")
	cfg.OnStateChange = nil
	cb := New(cfg)

	// Four requests, three failures: 75% but under the request floor.
	cb.Execute(succeeding)
	cb.Execute(failing)
	cb.Execute(failing)
	cb.Execute(failing)
	require.Equal(t, StateClosed, cb.State())

	cb.Execute(failing)
	assert.Equal(t, StateOpen, cb.State())
}
