// Package client is the Go consumer of the gateway's paid API. It
// implements the dispatcher's caller contract and the requirements
// source the payment flow quotes from, plus the free discovery
// endpoints around them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/dispatch"
	"github.com/agentmarket/onechat/internal/ledger"
	"github.com/agentmarket/onechat/internal/paytoken"
	"github.com/agentmarket/onechat/internal/payment"
)

const maxResponseBody = 4 << 20 // 4MB

// Client talks to one gateway. It remembers the chat session the
// gateway assigned so consecutive turns stay on one transcript.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "client"),
	}
}

// SessionID returns the chat session assigned by the gateway, empty
// before the first successful turn.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResetSession forgets the current chat session. The next turn starts
// a fresh transcript.
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

type paidRequest struct {
	Input       string `json:"input"`
	PaymentHash string `json:"paymentHash"`
	SessionID   string `json:"sessionId,omitempty"`
}

// paidResponse covers both paid endpoints; the agent one has agentId
// where chat has sessionId.
type paidResponse struct {
	Output             string                   `json:"output"`
	SessionID          string                   `json:"sessionId,omitempty"`
	AgentID            int64                    `json:"agentId,omitempty"`
	SwapTransaction    *chat.SwapTransaction    `json:"swapTransaction,omitempty"`
	SwapQuote          *chat.SwapQuote          `json:"swapQuote,omitempty"`
	Portfolio          *chat.Portfolio          `json:"portfolio,omitempty"`
	TransactionHistory []chat.TransactionRecord `json:"transactionHistory,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details struct {
		Code string `json:"code"`
	} `json:"details"`
}

func actionPath(actionKey string) (string, error) {
	if actionKey == ActionChat {
		return "/api/chat", nil
	}
	if strings.HasPrefix(actionKey, "agent:") {
		id := strings.TrimPrefix(actionKey, "agent:")
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return "", fmt.Errorf("client: invalid action key %q", actionKey)
		}
		return "/api/agents/" + id + "/execute", nil
	}
	return "", fmt.Errorf("client: unknown action key %q", actionKey)
}

// Do implements dispatch.Caller: one paid request, exactly one network
// attempt. A 402 comes back as *dispatch.PaymentRequiredError with the
// server's reason untouched.
func (c *Client) Do(ctx context.Context, actionKey string, tok paytoken.Token, input string) (*dispatch.Result, error) {
	path, err := actionPath(actionKey)
	if err != nil {
		return nil, err
	}

	body := paidRequest{Input: input, PaymentHash: tok.Hash}
	if actionKey == ActionChat {
		body.SessionID = c.SessionID()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Payment", tok.Header)
	// The proof in this request is single-use. Clearing GetBody stops
	// the transport from silently resending it on a dead keep-alive
	// connection.
	httpReq.GetBody = nil

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		reason := errorReason(data)
		if reason == "" {
			reason = "payment required"
		}
		return nil, &dispatch.PaymentRequiredError{Reason: reason}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: gateway returned %d: %s", resp.StatusCode, errorReason(data))
	}

	var out paidResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	if out.SessionID != "" {
		c.setSessionID(out.SessionID)
	}

	return &dispatch.Result{
		Output:             out.Output,
		SessionID:          out.SessionID,
		SwapTransaction:    out.SwapTransaction,
		SwapQuote:          out.SwapQuote,
		Portfolio:          out.Portfolio,
		TransactionHistory: out.TransactionHistory,
	}, nil
}

// errorReason pulls the server's explanation out of an error body,
// falling back to the raw bytes so nothing gets swallowed.
func errorReason(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// Requirements implements payment.RequirementsSource by asking the
// gateway what a payment for the action must look like.
func (c *Client) Requirements(ctx context.Context, actionKey string) (payment.PaymentRequirements, error) {
	var out struct {
		X402Version int                           `json:"x402Version"`
		Accepts     []payment.PaymentRequirements `json:"accepts"`
	}
	path := "/api/payments/requirements?action=" + url.QueryEscape(actionKey)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return payment.PaymentRequirements{}, &payment.ServiceError{Detail: err.Error()}
	}
	if len(out.Accepts) == 0 {
		return payment.PaymentRequirements{}, &payment.ServiceError{Detail: "gateway advertised no payment requirements"}
	}
	return out.Accepts[0], nil
}

// AgentListing is one marketplace entry as the gateway serves it.
type AgentListing struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Price                string `json:"price"` // display units
	Active               bool   `json:"active"`
	Reputation           int64  `json:"reputation"`
	TotalExecutions      int64  `json:"totalExecutions"`
	SuccessfulExecutions int64  `json:"successfulExecutions"`
	LocalExecutions      int64  `json:"localExecutions"`
	LocalSuccessful      int64  `json:"localSuccessful"`
}

// ListAgents fetches the marketplace listings.
func (c *Client) ListAgents(ctx context.Context) ([]AgentListing, error) {
	var out struct {
		Agents []AgentListing `json:"agents"`
		Count  int            `json:"count"`
	}
	if err := c.getJSON(ctx, "/api/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches one listing.
func (c *Client) GetAgent(ctx context.Context, id int64) (*AgentListing, error) {
	var out AgentListing
	if err := c.getJSON(ctx, "/api/agents/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches settlements, optionally filtered by payer.
func (c *Client) History(ctx context.Context, payer string, limit int) ([]ledger.Settlement, error) {
	var out struct {
		Settlements []ledger.Settlement `json:"settlements"`
		Count       int                 `json:"count"`
	}
	path := "/api/payments/history?limit=" + strconv.Itoa(limit)
	if payer != "" {
		path += "&payer=" + url.QueryEscape(payer)
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Settlements, nil
}

// Health probes the gateway.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", &struct{}{})
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("client: gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: gateway returned %d: %s", resp.StatusCode, errorReason(data))
	}
	return json.Unmarshal(data, out)
}

var (
	_ dispatch.Caller            = (*Client)(nil)
	_ payment.RequirementsSource = (*Client)(nil)
)
