package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/paytoken"
)

// scriptedCaller records every request it sees and replies from a
// script. A nil block channel makes it synchronous.
type scriptedCaller struct {
	mu      sync.Mutex
	headers []string
	result  *Result
	err     error

	entered chan struct{}
	release chan struct{}
}

func (c *scriptedCaller) Do(_ context.Context, _ string, tok paytoken.Token, _ string) (*Result, error) {
	c.mu.Lock()
	c.headers = append(c.headers, tok.Header)
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func (c *scriptedCaller) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.headers)
}

// scriptedAcquirer hands out sequentially numbered tokens.
type scriptedAcquirer struct {
	n    int
	err  error
	last paytoken.Token
}

func (a *scriptedAcquirer) Acquire(_ context.Context, _, actionKey string) (paytoken.Token, error) {
	if a.err != nil {
		return paytoken.Token{}, a.err
	}
	a.n++
	a.last = paytoken.Token{
		Header:    fmt.Sprintf("hdr-%d", a.n),
		Hash:      fmt.Sprintf("0x%04d", a.n),
		ActionKey: actionKey,
	}
	return a.last, nil
}

func newTestDispatcher(caller *scriptedCaller, acq *scriptedAcquirer) (*Dispatcher, *paytoken.Store) {
	store := paytoken.NewStore()
	d := NewDispatcher("chat", "0.1", store, acq, caller, nil)
	return d, store
}

func TestDispatchSuccess(t *testing.T) {
	caller := &scriptedCaller{result: &Result{Output: "hello"}}
	d, store := newTestDispatcher(caller, &scriptedAcquirer{})

	res, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 1, caller.calls())
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, 0, store.Len(), "token consumed before send, nothing left behind")
}

func TestDispatchStateSequenceOnSuccess(t *testing.T) {
	caller := &scriptedCaller{result: &Result{Output: "ok"}}
	d, _ := newTestDispatcher(caller, &scriptedAcquirer{})

	_, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	var states []ActionState
	for _, tr := range d.History() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []ActionState{StateAwaitingPayment, StateDispatching, StateSuccess, StateIdle}, states)
}

func TestDispatchUsesStoredTokenWithoutAcquiring(t *testing.T) {
	caller := &scriptedCaller{result: &Result{Output: "ok"}}
	acq := &scriptedAcquirer{}
	d, store := newTestDispatcher(caller, acq)

	store.Put("chat", "prepaid-hdr", "0xprepaid")

	_, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, 0, acq.n, "stored token means no acquisition")
	assert.Equal(t, []string{"prepaid-hdr"}, caller.headers)
}

func TestDispatchAcquisitionFailureMakesNoNetworkCall(t *testing.T) {
	caller := &scriptedCaller{}
	acq := &scriptedAcquirer{err: payment.ErrUserRejected}
	d, store := newTestDispatcher(caller, acq)

	_, err := d.Dispatch(context.Background(), "hi")

	assert.ErrorIs(t, err, payment.ErrUserRejected)
	assert.Equal(t, 0, caller.calls())
	assert.Equal(t, StateAwaitingPayment, d.State())
	assert.Equal(t, 0, store.Len())
}

func TestDispatchWalletNotConnectedBeforeNetwork(t *testing.T) {
	caller := &scriptedCaller{}
	acq := &scriptedAcquirer{err: payment.ErrWalletNotConnected}
	d, _ := newTestDispatcher(caller, acq)

	_, err := d.Dispatch(context.Background(), "hi")

	assert.ErrorIs(t, err, payment.ErrWalletNotConnected)
	assert.Equal(t, 0, caller.calls())
}

func TestDispatchPaymentRejected(t *testing.T) {
	caller := &scriptedCaller{err: &PaymentRequiredError{Reason: "expired"}}
	d, store := newTestDispatcher(caller, &scriptedAcquirer{})

	_, err := d.Dispatch(context.Background(), "hi")

	var payErr *PaymentRequiredError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, "expired", payErr.Reason)

	assert.Equal(t, 1, caller.calls())
	assert.Equal(t, StateAwaitingPayment, d.State(), "rejection reopens the payment flow")
	assert.Equal(t, 0, store.Len(), "no token survives a 402")
}

func TestDispatchAfterRejectionUsesFreshToken(t *testing.T) {
	caller := &scriptedCaller{err: &PaymentRequiredError{Reason: "expired"}}
	acq := &scriptedAcquirer{}
	d, _ := newTestDispatcher(caller, acq)

	_, err := d.Dispatch(context.Background(), "hi")
	require.Error(t, err)

	caller.err = nil
	caller.result = &Result{Output: "second time lucky"}

	res, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", res.Output)

	require.Len(t, caller.headers, 2)
	assert.NotEqual(t, caller.headers[0], caller.headers[1], "a brand-new payment is required after a 402")
	assert.Equal(t, StateIdle, d.State())
}

func TestDispatchTransportFailureTreatedLikeRejection(t *testing.T) {
	caller := &scriptedCaller{err: errors.New("connection reset")}
	d, store := newTestDispatcher(caller, &scriptedAcquirer{})

	_, err := d.Dispatch(context.Background(), "hi")

	var terr *TransportFailure
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, caller.calls())
	assert.Equal(t, StateAwaitingPayment, d.State())
	assert.Equal(t, 0, store.Len(), "consumed token is not restored on transport failure")
}

func TestDispatchExactlyOneCallPerToken(t *testing.T) {
	caller := &scriptedCaller{result: &Result{Output: "ok"}}
	acq := &scriptedAcquirer{}
	d, _ := newTestDispatcher(caller, acq)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), "hi")
		require.NoError(t, err)
	}

	require.Equal(t, 3, caller.calls())
	seen := make(map[string]bool)
	for _, h := range caller.headers {
		assert.False(t, seen[h], "header %s sent twice", h)
		seen[h] = true
	}
}

func TestDispatchInFlightGuard(t *testing.T) {
	caller := &scriptedCaller{
		result:  &Result{Output: "slow"},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	d, _ := newTestDispatcher(caller, &scriptedAcquirer{})

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "first")
		done <- err
	}()

	<-caller.entered // first dispatch is now mid-flight

	_, err := d.Dispatch(context.Background(), "second")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, 1, caller.calls(), "the rejected submission made no network call")

	close(caller.release)
	require.NoError(t, <-done)
}

func TestStateMachineRejectsInvalidEdges(t *testing.T) {
	m := NewStateMachine()

	assert.Error(t, m.Transition(StateIdle, StateDispatching), "idle cannot skip awaiting payment")
	require.NoError(t, m.Transition(StateIdle, StateAwaitingPayment))
	assert.Error(t, m.Transition(StateIdle, StateAwaitingPayment), "stale from-state is rejected")
	assert.Error(t, m.Transition(StateAwaitingPayment, StateSuccess))
	require.NoError(t, m.Transition(StateAwaitingPayment, StateDispatching))
	require.NoError(t, m.Transition(StateDispatching, StatePaymentRejected))
	require.NoError(t, m.Transition(StatePaymentRejected, StateAwaitingPayment))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "AWAITING_PAYMENT", StateAwaitingPayment.String())
	assert.Equal(t, "DISPATCHING", StateDispatching.String())
	assert.Equal(t, "SUCCESS", StateSuccess.String())
	assert.Equal(t, "PAYMENT_REJECTED", StatePaymentRejected.String())
	assert.Equal(t, "TRANSPORT_ERROR", StateTransportError.String())
	assert.Equal(t, "UNKNOWN", ActionState(99).String())
}
