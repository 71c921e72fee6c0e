package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/paytoken"
)

// ErrInFlight is returned when a dispatch is requested while another
// one for the same action is still running. The second request has no
// state or network effect.
var ErrInFlight = errors.New("dispatch: action already in flight")

// ErrTokenVanished is returned when acquisition resolved but the token
// was gone by the time the dispatcher went to consume it. The action
// stays in awaiting-payment; no network call was made.
var ErrTokenVanished = errors.New("dispatch: payment token vanished before send")

// PaymentRequiredError is a 402 from the paid API. Reason carries the
// server's explanation verbatim; the proof that was spent on this
// attempt is gone and a brand-new payment is required.
type PaymentRequiredError struct {
	Reason string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("dispatch: payment required: %s", e.Reason)
}

// TransportFailure is a network-level failure after the token was
// consumed. The response was never seen, so the proof is treated as
// spent and the user pays again, exactly as with a 402.
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("dispatch: transport failure: %v", e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// Result is the payload of a successful paid action.
type Result struct {
	Output             string
	SessionID          string
	SwapTransaction    *chat.SwapTransaction
	SwapQuote          *chat.SwapQuote
	Portfolio          *chat.Portfolio
	TransactionHistory []chat.TransactionRecord
}

// Caller issues the paid request. Implementations must make exactly
// one network attempt per call and return *PaymentRequiredError for a
// 402, any other error for transport-level failures.
type Caller interface {
	Do(ctx context.Context, actionKey string, tok paytoken.Token, input string) (*Result, error)
}

// TokenAcquirer runs the payment flow for an action.
// *payment.Acquirer implements it.
type TokenAcquirer interface {
	Acquire(ctx context.Context, price, actionKey string) (paytoken.Token, error)
}

// Dispatcher executes paid actions for one action key. It looks up or
// acquires the payment token, consumes it, makes exactly one network
// call, and settles the state machine on the outcome.
type Dispatcher struct {
	actionKey string
	price     string

	tokens   *paytoken.Store
	acquirer TokenAcquirer
	caller   Caller
	machine  *StateMachine
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// NewDispatcher wires a dispatcher for one action key at a display
// price. The token store is shared with other dispatchers; each key
// owns its own slot in it.
func NewDispatcher(actionKey, price string, tokens *paytoken.Store, acquirer TokenAcquirer, caller Caller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		actionKey: actionKey,
		price:     price,
		tokens:    tokens,
		acquirer:  acquirer,
		caller:    caller,
		machine:   NewStateMachine(),
		logger:    logger.With("action", actionKey),
	}
}

// State returns the current action state.
func (d *Dispatcher) State() ActionState {
	return d.machine.Current()
}

// History returns the transitions recorded so far.
func (d *Dispatcher) History() []Transition {
	return d.machine.History()
}

// Dispatch runs one paid action. The token is consumed before the
// request is sent; whatever happens afterwards, it is never reused.
func (d *Dispatcher) Dispatch(ctx context.Context, input string) (*Result, error) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return nil, ErrInFlight
	}
	d.inFlight = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	if d.machine.Current() == StateIdle {
		if err := d.machine.Transition(StateIdle, StateAwaitingPayment); err != nil {
			return nil, err
		}
	}

	if _, ok := d.tokens.Get(d.actionKey); !ok {
		tok, err := d.acquirer.Acquire(ctx, d.price, d.actionKey)
		if err != nil {
			// Acquisition failed before anything was spent; the
			// action stays in awaiting-payment for another try.
			d.logger.Warn("payment acquisition failed", "error", err)
			return nil, err
		}
		d.tokens.Put(d.actionKey, tok.Header, tok.Hash)
	}

	tok, ok := d.tokens.Consume(d.actionKey)
	if !ok {
		return nil, ErrTokenVanished
	}

	if err := d.machine.Transition(StateAwaitingPayment, StateDispatching); err != nil {
		return nil, err
	}

	res, err := d.caller.Do(ctx, d.actionKey, tok, input)
	if err != nil {
		return nil, d.fail(err)
	}

	if terr := d.machine.Transition(StateDispatching, StateSuccess); terr != nil {
		return nil, terr
	}
	if terr := d.machine.Transition(StateSuccess, StateIdle); terr != nil {
		return nil, terr
	}
	return res, nil
}

// fail settles the machine for a failed dispatch and normalizes the
// error. Both failure kinds end in awaiting-payment with an empty
// token slot: the consumed proof may have reached the server, so it
// must never be sent again.
func (d *Dispatcher) fail(err error) error {
	outcome := StateTransportError
	var payErr *PaymentRequiredError
	if errors.As(err, &payErr) {
		outcome = StatePaymentRejected
		d.logger.Warn("payment rejected by server", "reason", payErr.Reason)
	} else {
		err = &TransportFailure{Err: err}
		d.logger.Warn("dispatch transport failure", "error", err)
	}

	_ = d.machine.Fail(outcome, err)
	_ = d.machine.Transition(outcome, StateAwaitingPayment)

	// Residual token state is cleared even though the slot should
	// already be empty; consume on empty is a no-op.
	d.tokens.Consume(d.actionKey)

	return err
}
