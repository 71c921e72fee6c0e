// Package chat holds the conversation model shared by the paid API,
// the Go client, and the terminal front end: append-only transcripts of
// user/assistant messages plus the structured payloads an assistant
// reply can carry (swap, portfolio, transaction history).
package chat

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one the transcript accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single transcript entry. IDs are ULIDs so messages sort
// by creation time without a separate sequence column.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Optional structured payloads attached to assistant replies.
	SwapTransaction    *SwapTransaction    `json:"swapTransaction,omitempty"`
	SwapQuote          *SwapQuote          `json:"swapQuote,omitempty"`
	Portfolio          *Portfolio          `json:"portfolio,omitempty"`
	TransactionHistory []TransactionRecord `json:"transactionHistory,omitempty"`
}

// NewUserMessage builds a user message with a fresh ID and timestamp.
func NewUserMessage(content string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantMessage builds an assistant message with a fresh ID and timestamp.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// SwapQuote is an indicative quote for a token swap the assistant
// proposed. Amounts are decimal strings in display units.
type SwapQuote struct {
	TokenIn        string   `json:"tokenIn"`
	TokenOut       string   `json:"tokenOut"`
	AmountIn       string   `json:"amountIn"`
	AmountOut      string   `json:"amountOut"`
	Route          []string `json:"route,omitempty"`
	PriceImpactPct float64  `json:"priceImpactPct,omitempty"`
}

// SwapTransaction is an unsigned transaction the user's wallet can
// submit to perform a swap. Value is wei as a decimal string, Data is
// 0x-prefixed calldata.
type SwapTransaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gasLimit,omitempty"`
	ChainID  int64  `json:"chainId"`
}

// PortfolioAsset is one holding in a wallet portfolio snapshot.
type PortfolioAsset struct {
	Symbol   string  `json:"symbol"`
	Contract string  `json:"contract,omitempty"` // empty for the native coin
	Balance  string  `json:"balance"`
	USDValue float64 `json:"usdValue"`
}

// Portfolio is a point-in-time snapshot of a wallet's holdings.
type Portfolio struct {
	Address   string           `json:"address"`
	Assets    []PortfolioAsset `json:"assets"`
	TotalUSD  float64          `json:"totalUsd"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// TransactionRecord is one entry of a wallet's transaction history.
type TransactionRecord struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
