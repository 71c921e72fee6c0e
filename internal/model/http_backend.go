package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/circuitbreaker"
)

// HTTPBackend calls a JSON-over-HTTP generation service. A circuit
// breaker fronts every call: when the service fails repeatedly, paid
// requests fail fast instead of waiting out the full client timeout.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

// NewHTTPBackend creates a backend for the service at baseURL. apiKey
// may be empty when the service is unauthenticated.
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := circuitbreaker.DefaultConfig("model-backend")
	cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 5 }

	return &HTTPBackend{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg),
	}
}

// generateRequest is the wire shape of a generation call. History is
// trimmed to role and content; the service has no use for payment or
// payload details of old turns.
type generateRequest struct {
	Input         string        `json:"input"`
	WalletAddress string        `json:"walletAddress,omitempty"`
	SessionID     string        `json:"sessionId,omitempty"`
	AgentID       int64         `json:"agentId,omitempty"`
	History       []historyTurn `json:"history,omitempty"`
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Output             string                   `json:"output"`
	SwapTransaction    *chat.SwapTransaction    `json:"swapTransaction,omitempty"`
	SwapQuote          *chat.SwapQuote          `json:"swapQuote,omitempty"`
	Portfolio          *chat.Portfolio          `json:"portfolio,omitempty"`
	TransactionHistory []chat.TransactionRecord `json:"transactionHistory,omitempty"`
	Error              string                   `json:"error,omitempty"`
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	res, err := b.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return b.generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("model: generation service unavailable: %w", err)
		}
		return nil, err
	}
	return res.(*Result), nil
}

func (b *HTTPBackend) generate(ctx context.Context, req Request) (*Result, error) {
	payload := generateRequest{
		Input:         req.Input,
		WalletAddress: req.WalletAddress,
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
	}
	for _, msg := range req.History {
		payload.History = append(payload.History, historyTurn{Role: string(msg.Role), Content: msg.Content})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/generate", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model: generation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("model: read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("model: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		reason := out.Error
		if reason == "" {
			reason = string(data)
		}
		return nil, fmt.Errorf("model: generation failed (status %d): %s", resp.StatusCode, reason)
	}

	return &Result{
		Output:             out.Output,
		SwapTransaction:    out.SwapTransaction,
		SwapQuote:          out.SwapQuote,
		Portfolio:          out.Portfolio,
		TransactionHistory: out.TransactionHistory,
	}, nil
}
