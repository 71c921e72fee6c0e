package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/events"
	"github.com/agentmarket/onechat/internal/model"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/registry"
)

// agentView is an AgentRecord enriched with display pricing and the
// gateway's own execution counters.
type agentView struct {
	registry.AgentRecord
	Price           string `json:"price"` // display units
	LocalExecutions int64  `json:"localExecutions"`
	LocalSuccessful int64  `json:"localSuccessful"`
}

func (s *Server) agentView(agent registry.AgentRecord) agentView {
	total, successful := s.stats.Get(agent.ID)
	return agentView{
		AgentRecord:     agent,
		Price:           payment.FormatAmount(agent.PricePerExecution, s.pricing.Config().Payment.Decimals),
		LocalExecutions: total,
		LocalSuccessful: successful,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}

	agents, err := s.agents.List(r.Context())
	if err != nil {
		s.logger.Error("registry list failed", "error", err)
		writeError(w, http.StatusBadGateway, "registry unavailable")
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, s.agentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": views,
		"count":  len(views),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	agent, err := s.agents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("registry get failed", "agent", id, "error", err)
		writeError(w, http.StatusBadGateway, "registry unavailable")
		return
	}

	writeJSON(w, http.StatusOK, s.agentView(agent))
}

type agentExecuteRequest struct {
	Input       string `json:"input"`
	PaymentHash string `json:"paymentHash"`
}

type agentExecuteResponse struct {
	Output             string                   `json:"output"`
	AgentID            int64                    `json:"agentId"`
	SwapTransaction    *chat.SwapTransaction    `json:"swapTransaction,omitempty"`
	SwapQuote          *chat.SwapQuote          `json:"swapQuote,omitempty"`
	Portfolio          *chat.Portfolio          `json:"portfolio,omitempty"`
	TransactionHistory []chat.TransactionRecord `json:"transactionHistory,omitempty"`
}

// handleExecuteAgent runs one paid execution of a marketplace agent.
// The price comes from the agent's on-chain listing.
func (s *Server) handleExecuteAgent(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, "agent registry not configured")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	var body agentExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Input == "" {
		writeError(w, http.StatusBadRequest, "input required")
		return
	}

	agent, err := s.agents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("registry get failed", "agent", id, "error", err)
		writeError(w, http.StatusBadGateway, "registry unavailable")
		return
	}
	if !agent.Active {
		writeError(w, http.StatusForbidden, "agent is not active")
		return
	}

	actionKey := fmt.Sprintf("agent:%d", id)
	req, err := s.agentRequirements(actionKey, agent.PricePerExecution.String())
	if err != nil {
		s.logger.Error("agent pricing invalid", "agent", id, "error", err)
		writeError(w, http.StatusInternalServerError, "pricing unavailable")
		return
	}

	vd, ok := s.requirePayment(w, r, actionKey, req, body.PaymentHash)
	if !ok {
		return
	}
	s.recordSpend(r, vd, actionKey)

	out, err := s.backend.Generate(r.Context(), model.Request{
		Input:         body.Input,
		WalletAddress: vd.Payer,
		AgentID:       id,
	})
	if err != nil {
		s.stats.RecordExecution(id, false)
		s.metrics.RecordExecution(strconv.FormatInt(id, 10), false)
		s.logger.Error("agent execution failed", "agent", id, "error", err)
		if markErr := s.ledger.MarkFailed(r.Context(), vd.Hash, "agent execution error"); markErr != nil {
			s.logger.Error("ledger mark failed", "hash", vd.Hash, "error", markErr)
		}
		s.audit.Append("failed", vd.Hash, "agent execution error")
		writeError(w, http.StatusInternalServerError, "agent execution failed")
		return
	}

	if !s.finalizePayment(w, r, vd, actionKey) {
		s.stats.RecordExecution(id, false)
		s.metrics.RecordExecution(strconv.FormatInt(id, 10), false)
		return
	}

	s.stats.RecordExecution(id, true)
	s.metrics.RecordExecution(strconv.FormatInt(id, 10), true)
	s.events.Emit(events.TypeAgentExecuted, "/api/agents", vd.Payer, map[string]interface{}{
		"agentId": id,
		"hash":    vd.Hash,
	})

	s.metrics.ObservePaidRequest("agent", time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, agentExecuteResponse{
		Output:             out.Output,
		AgentID:            id,
		SwapTransaction:    out.SwapTransaction,
		SwapQuote:          out.SwapQuote,
		Portfolio:          out.Portfolio,
		TransactionHistory: out.TransactionHistory,
	})
}
