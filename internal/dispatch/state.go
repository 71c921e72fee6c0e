// Package dispatch gates paid actions: it owns the rule that exactly
// one network call leaves the process per payment proof, and the state
// machine a front end renders while that happens.
package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// ActionState is the lifecycle position of a paid action.
type ActionState int

const (
	StateIdle ActionState = iota
	StateAwaitingPayment
	StateDispatching
	StateSuccess
	StatePaymentRejected
	StateTransportError
)

// String returns the string representation of a state.
func (s ActionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StateDispatching:
		return "DISPATCHING"
	case StateSuccess:
		return "SUCCESS"
	case StatePaymentRejected:
		return "PAYMENT_REJECTED"
	case StateTransportError:
		return "TRANSPORT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsOutcome reports whether the state is a dispatch outcome. Outcomes
// are transient: success settles back to idle, failures settle back to
// awaiting payment so the user can pay again.
func (s ActionState) IsOutcome() bool {
	return s == StateSuccess || s == StatePaymentRejected || s == StateTransportError
}

// validTransitions is the full transition table. Anything not listed
// here is a bug, not a race to be tolerated.
var validTransitions = map[ActionState][]ActionState{
	StateIdle:            {StateAwaitingPayment},
	StateAwaitingPayment: {StateDispatching, StateIdle},
	StateDispatching:     {StateSuccess, StatePaymentRejected, StateTransportError},
	StateSuccess:         {StateIdle},
	StatePaymentRejected: {StateAwaitingPayment},
	StateTransportError:  {StateAwaitingPayment},
}

// Transition records one state change.
type Transition struct {
	From      ActionState
	To        ActionState
	Timestamp time.Time
	Err       error
}

// StateMachine tracks the state of one paid action key.
type StateMachine struct {
	mu      sync.RWMutex
	current ActionState
	history []Transition
	lastErr error
}

// NewStateMachine starts a machine in the idle state.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle}
}

// Transition moves from one state to another, failing when the caller
// is not in the state it thinks it is or the edge is not in the table.
func (m *StateMachine) Transition(from, to ActionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from {
		err := fmt.Errorf("dispatch: invalid transition: expected state %s, in %s", from, m.current)
		m.lastErr = err
		return err
	}
	if !transitionAllowed(from, to) {
		err := fmt.Errorf("dispatch: invalid transition: %s -> %s", from, to)
		m.lastErr = err
		return err
	}

	m.history = append(m.history, Transition{From: from, To: to, Timestamp: time.Now()})
	m.current = to
	return nil
}

// Fail moves to an outcome state carrying the error that caused it.
func (m *StateMachine) Fail(to ActionState, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !transitionAllowed(m.current, to) {
		err := fmt.Errorf("dispatch: invalid transition: %s -> %s", m.current, to)
		m.lastErr = err
		return err
	}

	m.history = append(m.history, Transition{From: m.current, To: to, Timestamp: time.Now(), Err: cause})
	m.current = to
	m.lastErr = cause
	return nil
}

func transitionAllowed(from, to ActionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Current returns the current state.
func (m *StateMachine) Current() ActionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of every transition so far.
func (m *StateMachine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// LastError returns the most recent failure cause, if any.
func (m *StateMachine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}
