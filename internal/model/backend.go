// Package model is the boundary to the external generation service.
// The gateway never runs AI logic itself; it forwards the transcript
// and wallet context and maps the service's reply onto the chat
// payload types.
package model

import (
	"context"

	"github.com/agentmarket/onechat/internal/chat"
)

// Request is one generation call.
type Request struct {
	Input         string
	WalletAddress string
	SessionID     string
	AgentID       int64 // 0 for plain chat
	History       []chat.Message
}

// Result is the service's reply: output text plus any structured
// payloads it produced for the connected wallet.
type Result struct {
	Output             string
	SwapTransaction    *chat.SwapTransaction
	SwapQuote          *chat.SwapQuote
	Portfolio          *chat.Portfolio
	TransactionHistory []chat.TransactionRecord
}

// Backend generates one reply per call.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
