// Package payment implements the x402 micropayment flow: the wire
// types a payment proof is made of, client-side acquisition of proofs,
// and server-side verification, replay protection, and settlement.
//
// A proof is a signed transfer authorization serialized to JSON and
// base64-encoded into the X-Payment request header. Signature validity
// is checked by an external facilitator; this package enforces
// structure, binding, and single use.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// X402Version is the protocol version this gateway speaks.
const X402Version = 1

// SchemeExact is the only payment scheme supported: an exact-amount
// transfer authorization for an ERC-20 asset.
const SchemeExact = "exact"

// Network identifiers in x402 naming.
const (
	NetworkCronos        = "cronos"
	NetworkCronosTestnet = "cronos-testnet"
)

// PaymentRequirements describes what a payer must produce for one paid
// action. The server advertises these in 402 responses and on the
// requirements endpoint.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Amount            string `json:"amount"` // base units, decimal string
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Extra             Extra  `json:"extra,omitempty"`
}

// Extra carries the EIP-712 domain hints a wallet needs to sign the
// authorization for the configured asset.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PaymentPayload is the decoded X-Payment header.
type PaymentPayload struct {
	X402Version int      `json:"x402Version"`
	Payload     Payload  `json:"payload"`
	Accepted    Accepted `json:"accepted"`
}

// Payload carries the signature and the authorization it covers.
type Payload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is the transfer authorization the payer signed.
// Value is base units; ValidAfter/ValidBefore are unix seconds as
// decimal strings, matching the on-chain calldata encoding.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Accepted names the scheme and network the payer believed it was
// paying on. Must match the advertised requirements.
type Accepted struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// ErrMalformedHeader is returned when an X-Payment header cannot be
// decoded into a PaymentPayload.
var ErrMalformedHeader = errors.New("payment: malformed payment header")

// EncodeHeader serializes a payload into the X-Payment header value.
func EncodeHeader(p PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("payment: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses an X-Payment header value. Unknown fields are
// rejected so a tampered envelope fails loudly instead of verifying
// with fields the signature never covered.
func DecodeHeader(header string) (PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return PaymentPayload{}, ErrMalformedHeader
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()

	var p PaymentPayload
	if err := dec.Decode(&p); err != nil {
		return PaymentPayload{}, ErrMalformedHeader
	}
	if p.Payload.Signature == "" || p.Payload.Authorization.From == "" {
		return PaymentPayload{}, ErrMalformedHeader
	}
	return p, nil
}

// HashHeader derives the payment hash from the exact header string the
// client sends. The hash is the proof's identity everywhere else: the
// request body's paymentHash field, the replay guard key, and the
// settlement record ID.
func HashHeader(header string) string {
	return crypto.Keccak256Hash([]byte(header)).Hex()
}

// ParseAmount converts a positive decimal display amount (like "0.1")
// into base units for an asset with the given number of decimals.
func ParseAmount(display string, decimals int) (*big.Int, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return nil, fmt.Errorf("payment: empty amount")
	}

	whole, frac := display, ""
	if i := strings.IndexByte(display, '.'); i >= 0 {
		whole, frac = display[:i], display[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("payment: amount %q has more than %d decimal places", display, decimals)
	}
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("payment: invalid amount %q", display)
			}
		}
	}

	frac = frac + strings.Repeat("0", decimals-len(frac))
	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("payment: invalid amount %q", display)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("payment: amount must be positive, got %q", display)
	}
	return units, nil
}

// FormatAmount renders base units back into a display string.
func FormatAmount(units *big.Int, decimals int) string {
	s := units.String()
	if decimals == 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// parseUnix parses the decimal unix-seconds strings used in
// authorization validity windows.
func parseUnix(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("payment: invalid unix timestamp %q", s)
	}
	return v, nil
}
