package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmarket/onechat/internal/chat"
)

// StaticBackend answers deterministically without any external
// service. It drives local development and tests, and its canned
// payloads exercise the same rendering paths real replies use.
type StaticBackend struct{}

// NewStaticBackend creates the canned responder.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{}
}

// Generate implements Backend. Keyword matching picks which payload to
// attach; anything else gets a plain greeting.
func (b *StaticBackend) Generate(_ context.Context, req Request) (*Result, error) {
	input := strings.ToLower(req.Input)
	addr := req.WalletAddress
	if addr == "" {
		addr = "0x0000000000000000000000000000000000000000"
	}

	switch {
	case strings.Contains(input, "swap"):
		return &Result{
			Output: "Here is a quote for swapping 10 CRO to USDC. Review the transaction and confirm in your wallet.",
			SwapQuote: &chat.SwapQuote{
				TokenIn:        "CRO",
				TokenOut:       "USDC",
				AmountIn:       "10",
				AmountOut:      "0.82",
				Route:          []string{"WCRO", "USDC"},
				PriceImpactPct: 0.04,
			},
			SwapTransaction: &chat.SwapTransaction{
				To:       "0x145863Eb42Cf62847A6Ca784e6416C1682b1b2Ae",
				Data:     "0x38ed1739",
				Value:    "10000000000000000000",
				GasLimit: 210000,
				ChainID:  338,
			},
		}, nil

	case strings.Contains(input, "portfolio"), strings.Contains(input, "balance"):
		return &Result{
			Output: fmt.Sprintf("Portfolio for %s: 2 assets worth $41.20.", addr),
			Portfolio: &chat.Portfolio{
				Address: addr,
				Assets: []chat.PortfolioAsset{
					{Symbol: "CRO", Balance: "420.5", USDValue: 34.7},
					{Symbol: "USDC", Contract: "0xc21223249CA28397B4B6541dfFaEcC539BfF0c59", Balance: "6.5", USDValue: 6.5},
				},
				TotalUSD:  41.2,
				FetchedAt: time.Now().UTC(),
			},
		}, nil

	case strings.Contains(input, "history"), strings.Contains(input, "transactions"):
		return &Result{
			Output: "Your two most recent transactions.",
			TransactionHistory: []chat.TransactionRecord{
				{Hash: "0xaaa111", From: addr, To: "0x2222222222222222222222222222222222222222", Asset: "USDC", Amount: "0.1", Status: "confirmed", Timestamp: time.Now().Add(-2 * time.Hour).UTC()},
				{Hash: "0xbbb222", From: addr, To: "0x2222222222222222222222222222222222222222", Asset: "USDC", Amount: "0.1", Status: "confirmed", Timestamp: time.Now().Add(-26 * time.Hour).UTC()},
			},
		}, nil
	}

	return &Result{Output: "hello"}, nil
}
