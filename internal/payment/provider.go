package payment

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs authorization digests with the payer's key. A nil
// signer on the provider means no wallet is connected.
type Signer interface {
	Address() string
	SignDigest(digest [32]byte) ([]byte, error)
}

// WalletProvider creates payment proofs by signing transfer
// authorizations with a local wallet. It stands in for the payment
// widget of graphical front ends.
type WalletProvider struct {
	signer  Signer
	network string
	now     func() time.Time
}

// NewWalletProvider wires a provider for a wallet on the given
// network. signer may be nil; CreatePayment then fails with
// ErrWalletNotConnected before doing anything else.
func NewWalletProvider(signer Signer, network string) *WalletProvider {
	return &WalletProvider{signer: signer, network: network, now: time.Now}
}

// CreatePayment implements Provider.
func (p *WalletProvider) CreatePayment(_ context.Context, req PaymentRequirements) (Receipt, error) {
	if p.signer == nil {
		return Receipt{}, ErrWalletNotConnected
	}
	if req.Network != p.network {
		return Receipt{}, ErrNetworkMismatch
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}

	nonce, err := randomNonce()
	if err != nil {
		return Receipt{}, fmt.Errorf("payment: generate nonce: %w", err)
	}

	now := p.now().Unix()
	auth := Authorization{
		From:  p.signer.Address(),
		To:    req.PayTo,
		Value: req.Amount,
		// Backdated so a small clock skew between payer and
		// facilitator does not invalidate a fresh authorization.
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+timeout, 10),
		Nonce:       nonce,
	}

	sig, err := p.signer.SignDigest(authorizationDigest(req, auth))
	if err != nil {
		return Receipt{}, err
	}

	header, err := EncodeHeader(PaymentPayload{
		X402Version: X402Version,
		Payload: Payload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
		Accepted: Accepted{Scheme: req.Scheme, Network: req.Network},
	})
	if err != nil {
		return Receipt{}, err
	}

	return Receipt{Header: header, Hash: HashHeader(header)}, nil
}

// authorizationDigest is the digest the payer signs. The field order
// mirrors the transferWithAuthorization typed-data struct so any party
// reconstructing it from the same requirements and authorization
// arrives at the same bytes.
func authorizationDigest(req PaymentRequirements, auth Authorization) [32]byte {
	var buf bytes.Buffer
	buf.WriteString(req.Extra.Name)
	buf.WriteString(req.Extra.Version)
	buf.WriteString(strings.ToLower(req.Asset))
	buf.WriteString(strings.ToLower(auth.From))
	buf.WriteString(strings.ToLower(auth.To))
	buf.WriteString(auth.Value)
	buf.WriteString(auth.ValidAfter)
	buf.WriteString(auth.ValidBefore)
	buf.WriteString(auth.Nonce)
	return crypto.Keccak256Hash(buf.Bytes())
}

func randomNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(b[:]), nil
}
