package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verifierNow = int64(1_800_000_000)

func testVerifier(t *testing.T, facilitator *FacilitatorClient) *Verifier {
	t.Helper()
	v := NewVerifier(NewMemoryReplayGuard(), facilitator, nil)
	v.now = func() time.Time { return time.Unix(verifierNow, 0) }
	return v
}

// buildHeader produces a structurally valid header for
// chatRequirements, optionally mutated before encoding.
func buildHeader(t *testing.T, mutate func(*PaymentPayload)) string {
	t.Helper()
	p := PaymentPayload{
		X402Version: X402Version,
		Payload: Payload{
			Signature: "0xs1g",
			Authorization: Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          chatRequirements().PayTo,
				Value:       "100000",
				ValidAfter:  strconv.FormatInt(verifierNow-60, 10),
				ValidBefore: strconv.FormatInt(verifierNow+300, 10),
				Nonce:       "0x6f6e6365",
			},
		},
		Accepted: Accepted{Scheme: SchemeExact, Network: NetworkCronosTestnet},
	}
	if mutate != nil {
		mutate(&p)
	}
	header, err := EncodeHeader(p)
	require.NoError(t, err)
	return header
}

func TestVerifyAcceptsValidPayment(t *testing.T) {
	v := testVerifier(t, nil)

	header := buildHeader(t, nil)
	vd, rej := v.Verify(context.Background(), chatRequirements(), header, "")

	require.Nil(t, rej)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", vd.Payer)
	assert.Equal(t, HashHeader(header), vd.Hash)
}

func TestVerifyStructuralRejections(t *testing.T) {
	tests := []struct {
		name     string
		header   func(t *testing.T) string
		wantCode string
	}{
		{
			"missing header",
			func(t *testing.T) string { return "" },
			RejectMissingPayment,
		},
		{
			"garbage header",
			func(t *testing.T) string { return "%%%" },
			RejectMalformed,
		},
		{
			"wrong scheme",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) { p.Accepted.Scheme = "upto" })
			},
			RejectSchemeMismatch,
		},
		{
			"wrong network",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) { p.Accepted.Network = NetworkCronos })
			},
			RejectNetworkMismatch,
		},
		{
			"wrong recipient",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) {
					p.Payload.Authorization.To = "0x3333333333333333333333333333333333333333"
				})
			},
			RejectRecipientMismatch,
		},
		{
			"amount too low",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) { p.Payload.Authorization.Value = "99999" })
			},
			RejectAmountInsufficient,
		},
		{
			"expired",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) {
					p.Payload.Authorization.ValidBefore = strconv.FormatInt(verifierNow-10, 10)
				})
			},
			RejectExpired,
		},
		{
			"not yet valid",
			func(t *testing.T) string {
				return buildHeader(t, func(p *PaymentPayload) {
					p.Payload.Authorization.ValidAfter = strconv.FormatInt(verifierNow+120, 10)
				})
			},
			RejectNotYetValid,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := testVerifier(t, nil)
			vd, rej := v.Verify(context.Background(), chatRequirements(), tc.header(t), "")
			assert.Nil(t, vd)
			require.NotNil(t, rej)
			assert.Equal(t, tc.wantCode, rej.Code)
			assert.NotEmpty(t, rej.Reason)
		})
	}
}

func TestVerifyRecipientComparisonIgnoresCase(t *testing.T) {
	v := testVerifier(t, nil)
	header := buildHeader(t, func(p *PaymentPayload) {
		p.Payload.Authorization.To = strings.ToUpper(chatRequirements().PayTo[2:])
		p.Payload.Authorization.To = "0x" + p.Payload.Authorization.To
	})

	_, rej := v.Verify(context.Background(), chatRequirements(), header, "")
	assert.Nil(t, rej)
}

func TestVerifyOverpaymentAccepted(t *testing.T) {
	v := testVerifier(t, nil)
	header := buildHeader(t, func(p *PaymentPayload) { p.Payload.Authorization.Value = "200000" })

	_, rej := v.Verify(context.Background(), chatRequirements(), header, "")
	assert.Nil(t, rej)
}

func TestVerifyBodyHashBinding(t *testing.T) {
	v := testVerifier(t, nil)
	header := buildHeader(t, nil)

	_, rej := v.Verify(context.Background(), chatRequirements(), header, "0xwrong")
	require.NotNil(t, rej)
	assert.Equal(t, RejectHashMismatch, rej.Code)

	vd, rej := v.Verify(context.Background(), chatRequirements(), header, HashHeader(header))
	require.Nil(t, rej)
	assert.Equal(t, HashHeader(header), vd.Hash)
}

func TestVerifyRejectsReplay(t *testing.T) {
	v := testVerifier(t, nil)
	header := buildHeader(t, nil)

	_, rej := v.Verify(context.Background(), chatRequirements(), header, "")
	require.Nil(t, rej)

	_, rej = v.Verify(context.Background(), chatRequirements(), header, "")
	require.NotNil(t, rej)
	assert.Equal(t, RejectReplayed, rej.Code)
}

func facilitatorServer(t *testing.T, verify VerifyResponse, settle SettleResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(verify)
		case "/settle":
			json.NewEncoder(w).Encode(settle)
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestVerifyFacilitatorRejectionSurfacesReason(t *testing.T) {
	srv := facilitatorServer(t, VerifyResponse{IsValid: false, InvalidReason: "authorization expired"}, SettleResponse{})
	defer srv.Close()

	v := testVerifier(t, NewFacilitatorClient(srv.URL, time.Second))
	_, rej := v.Verify(context.Background(), chatRequirements(), buildHeader(t, nil), "")

	require.NotNil(t, rej)
	assert.Equal(t, RejectFacilitator, rej.Code)
	assert.Equal(t, "authorization expired", rej.Reason)
}

func TestVerifyFacilitatorRejectionDoesNotBurnProof(t *testing.T) {
	guard := NewMemoryReplayGuard()
	header := buildHeader(t, nil)

	rejecting := facilitatorServer(t, VerifyResponse{IsValid: false, InvalidReason: "flaky"}, SettleResponse{})
	v1 := NewVerifier(guard, NewFacilitatorClient(rejecting.URL, time.Second), nil)
	v1.now = func() time.Time { return time.Unix(verifierNow, 0) }
	_, rej := v1.Verify(context.Background(), chatRequirements(), header, "")
	require.NotNil(t, rej)
	rejecting.Close()

	// The single-use mark happens after facilitator approval, so the
	// same proof can still be verified once the facilitator recovers.
	accepting := facilitatorServer(t, VerifyResponse{IsValid: true, Payer: "0xfac"}, SettleResponse{})
	defer accepting.Close()
	v2 := NewVerifier(guard, NewFacilitatorClient(accepting.URL, time.Second), nil)
	v2.now = func() time.Time { return time.Unix(verifierNow, 0) }

	vd, rej := v2.Verify(context.Background(), chatRequirements(), header, "")
	require.Nil(t, rej)
	assert.Equal(t, "0xfac", vd.Payer)
}

func TestVerifyFacilitatorUnreachable(t *testing.T) {
	srv := facilitatorServer(t, VerifyResponse{}, SettleResponse{})
	srv.Close() // immediately, so the address refuses connections

	v := testVerifier(t, NewFacilitatorClient(srv.URL, time.Second))
	_, rej := v.Verify(context.Background(), chatRequirements(), buildHeader(t, nil), "")

	require.NotNil(t, rej)
	assert.Equal(t, RejectUnavailable, rej.Code)
}

func TestSettleWithoutFacilitator(t *testing.T) {
	v := testVerifier(t, nil)
	resp, err := v.Settle(context.Background(), &Verified{
		Payer:        "0xpayer",
		Requirements: chatRequirements(),
	})

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Transaction)
}

func TestSettleSuccess(t *testing.T) {
	srv := facilitatorServer(t, VerifyResponse{}, SettleResponse{Success: true, Transaction: "0xtx", Payer: "0xpayer"})
	defer srv.Close()

	v := testVerifier(t, NewFacilitatorClient(srv.URL, time.Second))
	resp, err := v.Settle(context.Background(), &Verified{Header: "h", Requirements: chatRequirements()})

	require.NoError(t, err)
	assert.Equal(t, "0xtx", resp.Transaction)
}

func TestSettleFailureCarriesReason(t *testing.T) {
	srv := facilitatorServer(t, VerifyResponse{}, SettleResponse{Success: false, ErrorReason: "insufficient allowance"})
	defer srv.Close()

	v := testVerifier(t, NewFacilitatorClient(srv.URL, time.Second))
	_, err := v.Settle(context.Background(), &Verified{Header: "h", Requirements: chatRequirements()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient allowance")
}
