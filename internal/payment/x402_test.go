package payment

import (
	"encoding/base64"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base64Std(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func samplePayload() PaymentPayload {
	return PaymentPayload{
		X402Version: X402Version,
		Payload: Payload{
			Signature: "0xdeadbeef",
			Authorization: Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "100000",
				ValidAfter:  "1700000000",
				ValidBefore: "1700000600",
				Nonce:       "0xabc123",
			},
		},
		Accepted: Accepted{Scheme: SchemeExact, Network: NetworkCronos},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	header, err := EncodeHeader(samplePayload())
	require.NoError(t, err)
	require.NotEmpty(t, header)

	decoded, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, samplePayload(), decoded)
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not base64":        "!!!not-base64!!!",
		"base64 non-json":   "bm90IGpzb24=",
		"missing signature": mustEncode(t, PaymentPayload{Accepted: Accepted{Scheme: SchemeExact}}),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeHeader(header)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestDecodeHeaderRejectsUnknownFields(t *testing.T) {
	// A tampered envelope with extra fields must not pass.
	raw := `{"x402Version":1,"payload":{"signature":"0x1","authorization":{"from":"0x1","to":"0x2","value":"1","validAfter":"0","validBefore":"1","nonce":"0x1"}},"accepted":{"scheme":"exact","network":"cronos"},"injected":true}`
	header := base64Std(raw)

	_, err := DecodeHeader(header)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHashHeaderIsStable(t *testing.T) {
	header, err := EncodeHeader(samplePayload())
	require.NoError(t, err)

	h1 := HashHeader(header)
	h2 := HashHeader(header)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "0x"))
	assert.Len(t, h1, 66)

	// Any change to the header changes the hash.
	assert.NotEqual(t, h1, HashHeader(header+"x"))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		display  string
		decimals int
		want     string
		wantErr  bool
	}{
		{"0.1", 6, "100000", false},
		{"1", 6, "1000000", false},
		{"0.000001", 6, "1", false},
		{"12.5", 6, "12500000", false},
		{".5", 6, "500000", false},
		{"0.0000001", 6, "", true}, // too many decimal places
		{"0", 6, "", true},         // not positive
		{"-1", 6, "", true},
		{"abc", 6, "", true},
		{"", 6, "", true},
		{"1.2.3", 6, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.display, func(t *testing.T) {
			got, err := ParseAmount(tc.display, tc.decimals)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.1", FormatAmount(big.NewInt(100000), 6))
	assert.Equal(t, "1", FormatAmount(big.NewInt(1000000), 6))
	assert.Equal(t, "123.456789", FormatAmount(big.NewInt(123456789), 6))
	assert.Equal(t, "42", FormatAmount(big.NewInt(42), 0))
}

func TestAmountRoundTrip(t *testing.T) {
	units, err := ParseAmount("3.25", 6)
	require.NoError(t, err)
	assert.Equal(t, "3.25", FormatAmount(units, 6))
}

func mustEncode(t *testing.T, p PaymentPayload) string {
	t.Helper()
	header, err := EncodeHeader(p)
	require.NoError(t, err)
	return header
}
