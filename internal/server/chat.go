package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/events"
	"github.com/agentmarket/onechat/internal/model"
)

const maxRequestBody = 1 << 20 // 1MB

type chatRequest struct {
	Input       string `json:"input"`
	PaymentHash string `json:"paymentHash"`
	SessionID   string `json:"sessionId,omitempty"`
}

type chatResponse struct {
	Output             string                   `json:"output"`
	SessionID          string                   `json:"sessionId"`
	SwapTransaction    *chat.SwapTransaction    `json:"swapTransaction,omitempty"`
	SwapQuote          *chat.SwapQuote          `json:"swapQuote,omitempty"`
	Portfolio          *chat.Portfolio          `json:"portfolio,omitempty"`
	TransactionHistory []chat.TransactionRecord `json:"transactionHistory,omitempty"`
}

// handleChat is the paid chat turn: verify payment, run the model,
// settle, then release the output. One verified payment buys exactly
// one turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var body chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Input) == "" {
		writeError(w, http.StatusBadRequest, "input required")
		return
	}

	req, err := s.chatRequirements()
	if err != nil {
		s.logger.Error("chat pricing invalid", "error", err)
		writeError(w, http.StatusInternalServerError, "pricing unavailable")
		return
	}

	vd, ok := s.requirePayment(w, r, "chat", req, body.PaymentHash)
	if !ok {
		return
	}
	s.recordSpend(r, vd, "chat")

	transcript := s.sessions.GetOrCreate(body.SessionID)
	history := transcript.Messages()

	userMsg, err := transcript.Append(chat.NewUserMessage(body.Input))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.emitMessage(transcript.SessionID(), userMsg)
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	out, err := s.backend.Generate(r.Context(), model.Request{
		Input:         body.Input,
		WalletAddress: vd.Payer,
		SessionID:     transcript.SessionID(),
		History:       history,
	})
	if err != nil {
		s.logger.Error("model backend failed", "session", transcript.SessionID(), "error", err)
		if markErr := s.ledger.MarkFailed(r.Context(), vd.Hash, "model backend error"); markErr != nil {
			s.logger.Error("ledger mark failed", "hash", vd.Hash, "error", markErr)
		}
		s.audit.Append("failed", vd.Hash, "model backend error")
		writeError(w, http.StatusInternalServerError, "model backend unavailable")
		return
	}

	if !s.finalizePayment(w, r, vd, "chat") {
		return
	}

	reply := chat.NewAssistantMessage(out.Output)
	reply.SwapTransaction = out.SwapTransaction
	reply.SwapQuote = out.SwapQuote
	reply.Portfolio = out.Portfolio
	reply.TransactionHistory = out.TransactionHistory
	assistantMsg, err := transcript.Append(reply)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.emitMessage(transcript.SessionID(), assistantMsg)

	s.metrics.ObservePaidRequest("chat", time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, chatResponse{
		Output:             out.Output,
		SessionID:          transcript.SessionID(),
		SwapTransaction:    out.SwapTransaction,
		SwapQuote:          out.SwapQuote,
		Portfolio:          out.Portfolio,
		TransactionHistory: out.TransactionHistory,
	})
}

// emitMessage publishes a transcript message for stream subscribers.
func (s *Server) emitMessage(sessionID string, msg chat.Message) {
	s.events.Emit(events.TypeChatMessage, "/api/chat", sessionID, map[string]interface{}{
		"messageId": msg.ID,
		"role":      string(msg.Role),
		"content":   msg.Content,
	})
}
