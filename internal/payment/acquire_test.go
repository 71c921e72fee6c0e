package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts calls and returns a scripted result.
type fakeProvider struct {
	calls   int
	receipt Receipt
	err     error
}

func (f *fakeProvider) CreatePayment(_ context.Context, _ PaymentRequirements) (Receipt, error) {
	f.calls++
	if f.err != nil {
		return Receipt{}, f.err
	}
	return f.receipt, nil
}

// fakeSigner signs with a fixed address and a canned signature.
type fakeSigner struct {
	addr string
}

func (f *fakeSigner) Address() string { return f.addr }

func (f *fakeSigner) SignDigest(digest [32]byte) ([]byte, error) {
	sig := make([]byte, 65)
	copy(sig, digest[:])
	return sig, nil
}

func chatRequirements() PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NetworkCronosTestnet,
		Asset:             "0xc21223249CA28397B4B6541dfFaEcC539BfF0c59",
		PayTo:             "0x2222222222222222222222222222222222222222",
		Amount:            "100000",
		MaxTimeoutSeconds: 300,
		Extra:             Extra{Name: "USD Coin", Version: "2"},
	}
}

func TestAcquireHappyPath(t *testing.T) {
	provider := &fakeProvider{receipt: Receipt{Header: "hdr", Hash: "0xhash"}}
	source := StaticRequirements{"chat": chatRequirements()}
	acq := NewAcquirer(provider, source, 6)

	tok, err := acq.Acquire(context.Background(), "0.1", "chat")
	require.NoError(t, err)

	assert.Equal(t, "hdr", tok.Header)
	assert.Equal(t, "0xhash", tok.Hash)
	assert.Equal(t, "chat", tok.ActionKey)
	assert.Equal(t, 1, provider.calls)
}

func TestAcquireInvalidPriceNeverReachesProvider(t *testing.T) {
	provider := &fakeProvider{}
	acq := NewAcquirer(provider, StaticRequirements{}, 6)

	for _, price := range []string{"", "abc", "0", "-1"} {
		_, err := acq.Acquire(context.Background(), price, "chat")
		assert.Error(t, err, "price %q", price)
	}
	assert.Equal(t, 0, provider.calls)
}

func TestAcquirePriceMismatch(t *testing.T) {
	provider := &fakeProvider{}
	source := StaticRequirements{"chat": chatRequirements()} // requires 100000
	acq := NewAcquirer(provider, source, 6)

	_, err := acq.Acquire(context.Background(), "0.2", "chat")

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Contains(t, svcErr.Detail, "does not match")
	assert.Equal(t, 0, provider.calls, "mismatched price must not trigger a payment")
}

func TestAcquireUnknownAction(t *testing.T) {
	acq := NewAcquirer(&fakeProvider{}, StaticRequirements{}, 6)

	_, err := acq.Acquire(context.Background(), "0.1", "agent:404")

	var svcErr *ServiceError
	assert.ErrorAs(t, err, &svcErr)
}

func TestAcquireProviderFailuresPassThroughOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"user rejected", ErrUserRejected},
		{"wallet not connected", ErrWalletNotConnected},
		{"network mismatch", ErrNetworkMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{err: tc.err}
			source := StaticRequirements{"chat": chatRequirements()}
			acq := NewAcquirer(provider, source, 6)

			_, err := acq.Acquire(context.Background(), "0.1", "chat")

			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 1, provider.calls, "failures are never retried")
		})
	}
}

func TestWalletProviderNilSigner(t *testing.T) {
	provider := NewWalletProvider(nil, NetworkCronosTestnet)

	_, err := provider.CreatePayment(context.Background(), chatRequirements())

	assert.ErrorIs(t, err, ErrWalletNotConnected)
}

func TestWalletProviderNetworkMismatch(t *testing.T) {
	provider := NewWalletProvider(&fakeSigner{addr: "0x1111111111111111111111111111111111111111"}, NetworkCronos)

	_, err := provider.CreatePayment(context.Background(), chatRequirements())

	assert.ErrorIs(t, err, ErrNetworkMismatch)
}

func TestWalletProviderBuildsVerifiableHeader(t *testing.T) {
	payer := "0x1111111111111111111111111111111111111111"
	provider := NewWalletProvider(&fakeSigner{addr: payer}, NetworkCronosTestnet)
	provider.now = func() time.Time { return time.Unix(1_800_000_000, 0) }

	receipt, err := provider.CreatePayment(context.Background(), chatRequirements())
	require.NoError(t, err)
	assert.Equal(t, HashHeader(receipt.Header), receipt.Hash)

	payload, err := DecodeHeader(receipt.Header)
	require.NoError(t, err)

	auth := payload.Payload.Authorization
	assert.Equal(t, payer, auth.From)
	assert.Equal(t, chatRequirements().PayTo, auth.To)
	assert.Equal(t, "100000", auth.Value)
	assert.Equal(t, "1799999940", auth.ValidAfter)
	assert.Equal(t, "1800000300", auth.ValidBefore)
	assert.NotEmpty(t, auth.Nonce)
	assert.Equal(t, SchemeExact, payload.Accepted.Scheme)
	assert.Equal(t, NetworkCronosTestnet, payload.Accepted.Network)
	assert.NotEmpty(t, payload.Payload.Signature)
}

func TestWalletProviderNoncesAreUnique(t *testing.T) {
	provider := NewWalletProvider(&fakeSigner{addr: "0x1111111111111111111111111111111111111111"}, NetworkCronosTestnet)

	first, err := provider.CreatePayment(context.Background(), chatRequirements())
	require.NoError(t, err)
	second, err := provider.CreatePayment(context.Background(), chatRequirements())
	require.NoError(t, err)

	assert.NotEqual(t, first.Hash, second.Hash, "every payment is a fresh proof")
}
