package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FacilitatorClient talks to the x402 facilitator service that holds
// the actual signature and on-chain logic. The gateway calls Verify
// before running a paid action and Settle after it succeeds.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// VerifyRequest is the facilitator's verify/settle request body.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse reports whether a payment proof is valid.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse reports the outcome of submitting the authorization
// on-chain.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// NewFacilitatorClient creates a client for the facilitator at
// baseURL. An empty baseURL returns nil; the verifier treats a nil
// client as structural-only mode for local development.
func NewFacilitatorClient(baseURL string, timeout time.Duration) *FacilitatorClient {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FacilitatorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify asks the facilitator to validate a payment header against
// requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, header string, req PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	err := c.post(ctx, "/verify", VerifyRequest{
		X402Version:         X402Version,
		PaymentHeader:       header,
		PaymentRequirements: req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to execute the transfer authorization.
func (c *FacilitatorClient) Settle(ctx context.Context, header string, req PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	err := c.post(ctx, "/settle", VerifyRequest{
		X402Version:         X402Version,
		PaymentHeader:       header,
		PaymentRequirements: req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the facilitator's health endpoint.
func (c *FacilitatorClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("payment: facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment: facilitator health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payment: marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("payment: facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment: read facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment: facilitator %s returned %d: %s", path, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("payment: decode facilitator response: %w", err)
	}
	return nil
}
