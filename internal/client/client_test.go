package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/dispatch"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/paytoken"
)

func testToken() paytoken.Token {
	return paytoken.Token{Header: "hdr-1", Hash: "0xhash1", ActionKey: "chat"}
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL, 5*time.Second)
}

func TestDoChatCarriesProofAndSession(t *testing.T) {
	var bodies []paidRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "hdr-1", r.Header.Get("X-Payment"))

		var body paidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(paidResponse{Output: "hi", SessionID: "sess-9"})
	})

	res, err := c.Do(context.Background(), "chat", testToken(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
	assert.Equal(t, "sess-9", res.SessionID)
	assert.Equal(t, "sess-9", c.SessionID())

	_, err = c.Do(context.Background(), "chat", testToken(), "again")
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, "0xhash1", bodies[0].PaymentHash)
	assert.Empty(t, bodies[0].SessionID, "first turn starts without a session")
	assert.Equal(t, "sess-9", bodies[1].SessionID, "later turns carry the assigned session")

	c.ResetSession()
	assert.Empty(t, c.SessionID())
}

func TestDoAgentActionPath(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/7/execute", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(paidResponse{
			Output:  "routed",
			AgentID: 7,
			SwapQuote: &chat.SwapQuote{
				TokenIn:  "CRO",
				TokenOut: "USDC",
			},
		})
	})

	res, err := c.Do(context.Background(), "agent:7", testToken(), "swap 10 cro")
	require.NoError(t, err)
	assert.Equal(t, "routed", res.Output)
	require.NotNil(t, res.SwapQuote)
	assert.Equal(t, "USDC", res.SwapQuote.TokenOut)
}

func TestDoRejectsUnknownActionWithoutNetwork(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ })

	_, err := c.Do(context.Background(), "mint", testToken(), "x")
	assert.Error(t, err)
	_, err = c.Do(context.Background(), "agent:abc", testToken(), "x")
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestDo402ReturnsTypedErrorWithVerbatimReason(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "payment has already been used",
			"details": map[string]string{"code": "payment_replayed"},
		})
	})

	_, err := c.Do(context.Background(), "chat", testToken(), "hello")
	var payErr *dispatch.PaymentRequiredError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, "payment has already been used", payErr.Reason)
}

func TestDo402NonJSONBodyStillCarriesReason(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("upstream says no"))
	})

	_, err := c.Do(context.Background(), "chat", testToken(), "hello")
	var payErr *dispatch.PaymentRequiredError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, "upstream says no", payErr.Reason)
}

func TestDoServerErrorIsNotPaymentRequired(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "model backend unavailable"})
	})

	_, err := c.Do(context.Background(), "chat", testToken(), "hello")
	require.Error(t, err)
	var payErr *dispatch.PaymentRequiredError
	assert.False(t, errors.As(err, &payErr))
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "model backend unavailable")
}

func TestDoTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := New(ts.URL, time.Second)
	ts.Close()

	_, err := c.Do(context.Background(), "chat", testToken(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestRequirements(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payments/requirements", r.URL.Path)
		require.Equal(t, "agent:3", r.URL.Query().Get("action"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"x402Version": 1,
			"accepts": []payment.PaymentRequirements{{
				Scheme:  payment.SchemeExact,
				Network: "cronos-testnet",
				Amount:  "2500000",
				PayTo:   "0x9f8e7d6c5b4a39281706f5e4d3c2b1a098765432",
			}},
		})
	})

	req, err := c.Requirements(context.Background(), "agent:3")
	require.NoError(t, err)
	assert.Equal(t, "2500000", req.Amount)
	assert.Equal(t, "cronos-testnet", req.Network)
}

func TestRequirementsFailureIsServiceError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown action"})
	})

	_, err := c.Requirements(context.Background(), "mint")
	var svcErr *payment.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Contains(t, svcErr.Detail, "unknown action")
}

func TestListAndGetAgents(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/agents":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"agents": []AgentListing{{ID: 1, Name: "Swap Router", Price: "2.5", Active: true}},
				"count":  1,
			})
		case "/api/agents/1":
			json.NewEncoder(w).Encode(AgentListing{ID: 1, Name: "Swap Router", Price: "2.5", Active: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Swap Router", agents[0].Name)

	agent, err := c.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2.5", agent.Price)
}

func TestHistory(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payments/history", r.URL.Path)
		require.Equal(t, "0xabc", r.URL.Query().Get("payer"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"settlements":[{"hash":"0x1","actionKey":"chat","status":"SETTLED"}],"count":1}`))
	})

	settlements, err := c.History(context.Background(), "0xabc", 20)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "chat", settlements[0].ActionKey)
}

type stubAcquirer struct {
	calls int
}

func (a *stubAcquirer) Acquire(_ context.Context, price, actionKey string) (paytoken.Token, error) {
	a.calls++
	return paytoken.Token{Header: "hdr-1", Hash: "0xhash1", ActionKey: actionKey}, nil
}

func TestDispatcherRoundTripSuccess(t *testing.T) {
	attempts := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(paidResponse{Output: "hello", SessionID: "s-1"})
	})

	tokens := paytoken.NewStore()
	d := dispatch.NewDispatcher("chat", "0.1", tokens, &stubAcquirer{}, c, nil)

	res, err := d.Dispatch(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, dispatch.StateIdle, d.State())

	_, ok := tokens.Get("chat")
	assert.False(t, ok, "proof must be consumed by the dispatch")
}

func TestDispatcherRoundTripRejectedPayment(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "authorization expired",
			"details": map[string]string{"code": "authorization_expired"},
		})
	})

	tokens := paytoken.NewStore()
	acq := &stubAcquirer{}
	d := dispatch.NewDispatcher("chat", "0.1", tokens, acq, c, nil)

	_, err := d.Dispatch(context.Background(), "hi")
	var payErr *dispatch.PaymentRequiredError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, "authorization expired", payErr.Reason)

	// Rejection reopens acquisition with an empty token slot: the next
	// dispatch buys a brand-new payment.
	assert.Equal(t, dispatch.StateAwaitingPayment, d.State())
	_, ok := tokens.Get("chat")
	assert.False(t, ok)

	_, _ = d.Dispatch(context.Background(), "hi")
	assert.Equal(t, 2, acq.calls)
}
