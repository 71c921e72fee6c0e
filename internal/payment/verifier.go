package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Rejection codes carried in 402 response details.
const (
	RejectMissingPayment     = "payment_required"
	RejectMalformed          = "malformed_payment"
	RejectSchemeMismatch     = "unsupported_scheme"
	RejectNetworkMismatch    = "wrong_network"
	RejectAssetMismatch      = "wrong_asset"
	RejectRecipientMismatch  = "wrong_recipient"
	RejectAmountInsufficient = "insufficient_amount"
	RejectNotYetValid        = "authorization_not_yet_valid"
	RejectExpired            = "authorization_expired"
	RejectHashMismatch       = "payment_hash_mismatch"
	RejectReplayed           = "payment_replayed"
	RejectFacilitator        = "facilitator_rejected"
	RejectUnavailable        = "verification_unavailable"
)

// Rejection explains why a payment was refused. It becomes the 402
// response body; Reason is the human-readable part the client surfaces
// verbatim.
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("payment rejected (%s): %s", r.Code, r.Reason)
}

func reject(code, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Verified is an accepted payment, ready to be spent on one action and
// settled afterwards.
type Verified struct {
	Hash         string
	Payer        string
	Header       string
	Requirements PaymentRequirements
}

// Verifier checks incoming payment proofs. Order matters: structural
// checks first, then the facilitator, and the single-use mark last so
// a facilitator outage never burns a good proof.
type Verifier struct {
	replay      ReplayGuard
	facilitator *FacilitatorClient
	logger      *slog.Logger
	now         func() time.Time
	clockSkew   time.Duration
}

// NewVerifier wires a verifier. facilitator may be nil; the verifier
// then stops after structural checks, which is how local development
// runs without the payment stack.
func NewVerifier(replay ReplayGuard, facilitator *FacilitatorClient, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		replay:      replay,
		facilitator: facilitator,
		logger:      logger,
		now:         time.Now,
		clockSkew:   5 * time.Second,
	}
}

// Verify validates one payment proof against the requirements for the
// action being paid for. bodyHash is the paymentHash field from the
// request body; when present it must bind to the header.
func (v *Verifier) Verify(ctx context.Context, req PaymentRequirements, header, bodyHash string) (*Verified, *Rejection) {
	if header == "" {
		return nil, reject(RejectMissingPayment, "payment required")
	}

	payload, err := DecodeHeader(header)
	if err != nil {
		return nil, reject(RejectMalformed, "payment header could not be decoded")
	}

	if payload.Accepted.Scheme != req.Scheme {
		return nil, reject(RejectSchemeMismatch, "payment scheme %q not accepted, expected %q", payload.Accepted.Scheme, req.Scheme)
	}
	if payload.Accepted.Network != req.Network {
		return nil, reject(RejectNetworkMismatch, "payment network %q not accepted, expected %q", payload.Accepted.Network, req.Network)
	}

	auth := payload.Payload.Authorization
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return nil, reject(RejectRecipientMismatch, "payment recipient does not match")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, reject(RejectMalformed, "authorization value is not a decimal integer")
	}
	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, reject(RejectUnavailable, "advertised amount is not a decimal integer")
	}
	if value.Cmp(required) < 0 {
		return nil, reject(RejectAmountInsufficient, "authorized amount %s below required %s", auth.Value, req.Amount)
	}

	validAfter, err := parseUnix(auth.ValidAfter)
	if err != nil {
		return nil, reject(RejectMalformed, "authorization validAfter is not a unix timestamp")
	}
	validBefore, err := parseUnix(auth.ValidBefore)
	if err != nil {
		return nil, reject(RejectMalformed, "authorization validBefore is not a unix timestamp")
	}
	now := v.now()
	if now.Add(v.clockSkew).Unix() < validAfter {
		return nil, reject(RejectNotYetValid, "authorization not valid yet")
	}
	if now.Add(-v.clockSkew).Unix() >= validBefore {
		return nil, reject(RejectExpired, "authorization expired")
	}

	hash := HashHeader(header)
	if bodyHash != "" && bodyHash != hash {
		return nil, reject(RejectHashMismatch, "paymentHash does not match payment header")
	}

	payer := auth.From
	if v.facilitator != nil {
		resp, err := v.facilitator.Verify(ctx, header, req)
		if err != nil {
			v.logger.Error("facilitator verify failed", "error", err, "hash", hash)
			return nil, reject(RejectUnavailable, "payment verification unavailable")
		}
		if !resp.IsValid {
			return nil, reject(RejectFacilitator, "%s", facilitatorReason(resp.InvalidReason))
		}
		if resp.Payer != "" {
			payer = resp.Payer
		}
	}

	// Single-use mark goes last: nothing before this point burns the
	// proof, so a verification retry after an outage can still spend it.
	ttl := time.Until(time.Unix(validBefore, 0)) + time.Hour
	first, err := v.replay.MarkUsed(ctx, hash, ttl)
	if err != nil {
		v.logger.Error("replay guard unavailable", "error", err, "hash", hash)
		return nil, reject(RejectUnavailable, "payment verification unavailable")
	}
	if !first {
		return nil, reject(RejectReplayed, "payment has already been used")
	}

	return &Verified{
		Hash:         hash,
		Payer:        payer,
		Header:       header,
		Requirements: req,
	}, nil
}

// Settle submits the verified authorization for on-chain settlement.
// Without a facilitator there is nothing to submit; the result reports
// success with no transaction so the ledger still records the spend.
func (v *Verifier) Settle(ctx context.Context, vd *Verified) (*SettleResponse, error) {
	if v.facilitator == nil {
		return &SettleResponse{Success: true, Payer: vd.Payer, Network: vd.Requirements.Network}, nil
	}

	resp, err := v.facilitator.Settle(ctx, vd.Header, vd.Requirements)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("payment: settlement failed: %s", facilitatorReason(resp.ErrorReason))
	}
	return resp, nil
}

func facilitatorReason(reason string) string {
	if reason == "" {
		return "payment declined"
	}
	return reason
}
