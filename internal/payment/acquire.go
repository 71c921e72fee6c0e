package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmarket/onechat/internal/paytoken"
)

// Acquisition failure taxonomy. Callers branch on these to decide what
// to show the user; none of them are retried automatically.
var (
	// ErrWalletNotConnected means no wallet is available to sign.
	// Raised before anything leaves the process.
	ErrWalletNotConnected = errors.New("payment: wallet not connected")

	// ErrUserRejected means the user declined the payment prompt.
	ErrUserRejected = errors.New("payment: user rejected the payment")

	// ErrNetworkMismatch means the wallet is on a different chain than
	// the one the requirements name.
	ErrNetworkMismatch = errors.New("payment: wallet network does not match payment network")
)

// ServiceError is a payment-service failure. Detail carries the
// upstream reason verbatim so the user sees what actually went wrong.
type ServiceError struct {
	Detail string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("payment: service error: %s", e.Detail)
}

// Receipt is what a provider hands back for a completed payment: the
// opaque header and the hash derived from it.
type Receipt struct {
	Header string
	Hash   string
}

// Provider produces one payment proof for one set of requirements.
// The wallet-backed implementation lives in provider.go; graphical
// payment widgets satisfy the same contract from outside this module.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequirements) (Receipt, error)
}

// RequirementsSource resolves the payment requirements for an action.
// The API client implements it by asking the server; tools with static
// configuration use StaticRequirements.
type RequirementsSource interface {
	Requirements(ctx context.Context, actionKey string) (PaymentRequirements, error)
}

// StaticRequirements is a RequirementsSource with a fixed answer per
// action key.
type StaticRequirements map[string]PaymentRequirements

// Requirements implements RequirementsSource.
func (s StaticRequirements) Requirements(_ context.Context, actionKey string) (PaymentRequirements, error) {
	req, ok := s[actionKey]
	if !ok {
		return PaymentRequirements{}, &ServiceError{Detail: fmt.Sprintf("no payment requirements for action %q", actionKey)}
	}
	return req, nil
}

// Acquirer turns a price and an action identity into a stored-ready
// payment token, or a typed failure from the taxonomy above.
type Acquirer struct {
	provider Provider
	source   RequirementsSource
	decimals int
}

// NewAcquirer wires an acquirer. decimals is the display precision of
// the payment asset, used to validate quoted prices against advertised
// requirements.
func NewAcquirer(provider Provider, source RequirementsSource, decimals int) *Acquirer {
	return &Acquirer{provider: provider, source: source, decimals: decimals}
}

// Acquire runs the payment flow once. The quoted price is what the
// user saw; if it does not match what the server currently requires,
// acquisition fails rather than silently paying a different amount.
// Every failure returns control to the caller, never retries.
func (a *Acquirer) Acquire(ctx context.Context, price, actionKey string) (paytoken.Token, error) {
	quoted, err := ParseAmount(price, a.decimals)
	if err != nil {
		return paytoken.Token{}, err
	}

	req, err := a.source.Requirements(ctx, actionKey)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			return paytoken.Token{}, err
		}
		return paytoken.Token{}, &ServiceError{Detail: err.Error()}
	}

	if req.Amount != quoted.String() {
		return paytoken.Token{}, &ServiceError{
			Detail: fmt.Sprintf("quoted price %s does not match required amount %s", quoted, req.Amount),
		}
	}

	receipt, err := a.provider.CreatePayment(ctx, req)
	if err != nil {
		return paytoken.Token{}, err
	}

	return paytoken.Token{
		Header:    receipt.Header,
		Hash:      receipt.Hash,
		ActionKey: actionKey,
	}, nil
}
