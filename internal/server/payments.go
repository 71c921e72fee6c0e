package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentmarket/onechat/internal/events"
	"github.com/agentmarket/onechat/internal/ledger"
	"github.com/agentmarket/onechat/internal/payment"
)

// paymentRequiredBody is the 402 response. The error field is the
// reason clients surface verbatim; accepts tells wallets what a valid
// payment looks like.
type paymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error"`
	Details     paymentRequiredDetails `json:"details"`
}

type paymentRequiredDetails struct {
	Code    string                        `json:"code"`
	Accepts []payment.PaymentRequirements `json:"accepts"`
}

// requirementsFor assembles the advertised requirements for one action
// from the pricing config and a base-unit amount.
func (s *Server) requirementsFor(actionKey, amount, payTo string) payment.PaymentRequirements {
	pc := s.pricing.Config().Payment
	if payTo == "" {
		payTo = pc.PayTo
	}
	return payment.PaymentRequirements{
		Scheme:            payment.SchemeExact,
		Network:           pc.Network,
		Asset:             pc.Asset,
		PayTo:             payTo,
		Amount:            amount,
		MaxTimeoutSeconds: pc.MaxTimeoutSeconds,
		Extra:             payment.Extra{Name: pc.AssetName, Version: pc.AssetVersion},
	}
}

// chatRequirements resolves the chat action's requirements from the
// configured display price.
func (s *Server) chatRequirements() (payment.PaymentRequirements, error) {
	pc := s.pricing.Config().Payment
	pricing := s.pricing.Get("chat")
	units, err := payment.ParseAmount(pricing.Price, pc.Decimals)
	if err != nil {
		return payment.PaymentRequirements{}, fmt.Errorf("chat price %q: %w", pricing.Price, err)
	}
	return s.requirementsFor("chat", units.String(), pricing.PayTo), nil
}

// agentRequirements resolves an agent action from its on-chain price,
// unless an explicit config override exists.
func (s *Server) agentRequirements(actionKey string, onChainPrice string) (payment.PaymentRequirements, error) {
	pc := s.pricing.Config().Payment

	amount := onChainPrice
	payTo := s.pricing.Get(actionKey).PayTo
	if override, ok := s.pricing.Override(actionKey); ok {
		if override.Price != "" {
			units, err := payment.ParseAmount(override.Price, pc.Decimals)
			if err != nil {
				return payment.PaymentRequirements{}, fmt.Errorf("override price %q: %w", override.Price, err)
			}
			amount = units.String()
		}
		if override.PayTo != "" {
			payTo = override.PayTo
		}
	}

	return s.requirementsFor(actionKey, amount, payTo), nil
}

// requirePayment runs full verification for one paid request. On
// rejection it writes the 402 and returns false; the handler stops.
func (s *Server) requirePayment(w http.ResponseWriter, r *http.Request, actionKey string, req payment.PaymentRequirements, bodyHash string) (*payment.Verified, bool) {
	header := r.Header.Get("X-Payment")

	vd, rej := s.verifier.Verify(r.Context(), req, header, bodyHash)
	if rej != nil {
		s.metrics.RecordRejected(actionKey, rej.Code)
		s.events.Emit(events.TypePaymentRejected, "/api/"+actionKey, "", map[string]interface{}{
			"action": actionKey,
			"code":   rej.Code,
			"reason": rej.Reason,
		})
		s.write402(w, rej, req)
		return nil, false
	}

	s.metrics.RecordVerified(actionKey)
	s.events.Emit(events.TypePaymentVerified, "/api/"+actionKey, vd.Payer, map[string]interface{}{
		"action": actionKey,
		"hash":   vd.Hash,
		"amount": req.Amount,
		"asset":  req.Asset,
	})
	return vd, true
}

func (s *Server) write402(w http.ResponseWriter, rej *payment.Rejection, req payment.PaymentRequirements) {
	writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
		X402Version: payment.X402Version,
		Error:       rej.Reason,
		Details: paymentRequiredDetails{
			Code:    rej.Code,
			Accepts: []payment.PaymentRequirements{req},
		},
	})
}

// recordSpend writes the pending ledger row the moment a verified
// payment is spent on an action.
func (s *Server) recordSpend(r *http.Request, vd *payment.Verified, actionKey string) {
	_, err := s.ledger.Record(r.Context(), ledger.Settlement{
		Hash:      vd.Hash,
		ActionKey: actionKey,
		Payer:     vd.Payer,
		PayTo:     vd.Requirements.PayTo,
		Asset:     vd.Requirements.Asset,
		Amount:    vd.Requirements.Amount,
		Network:   vd.Requirements.Network,
	})
	if err != nil {
		s.logger.Error("ledger record failed", "hash", vd.Hash, "error", err)
		return
	}
	s.audit.Append("recorded", vd.Hash, actionKey+" "+vd.Payer+" "+vd.Requirements.Amount)
}

// finalizePayment settles a verified payment after the action
// succeeded. Settlement failure turns into a 402: the output is
// withheld and the client must pay again.
func (s *Server) finalizePayment(w http.ResponseWriter, r *http.Request, vd *payment.Verified, actionKey string) bool {
	resp, err := s.verifier.Settle(r.Context(), vd)
	if err != nil {
		s.metrics.RecordSettlement(false)
		if markErr := s.ledger.MarkFailed(r.Context(), vd.Hash, err.Error()); markErr != nil {
			s.logger.Error("ledger mark failed", "hash", vd.Hash, "error", markErr)
		}
		s.audit.Append("failed", vd.Hash, err.Error())
		s.logger.Error("settlement failed", "hash", vd.Hash, "error", err)
		s.write402(w, &payment.Rejection{Code: "settlement_failed", Reason: err.Error()}, vd.Requirements)
		return false
	}

	s.metrics.RecordSettlement(true)
	if err := s.ledger.MarkSettled(r.Context(), vd.Hash, resp.Transaction); err != nil {
		s.logger.Error("ledger mark settled", "hash", vd.Hash, "error", err)
	}
	s.audit.Append("settled", vd.Hash, resp.Transaction)
	s.events.Emit(events.TypePaymentSettled, "/api/"+actionKey, vd.Payer, map[string]interface{}{
		"action": actionKey,
		"hash":   vd.Hash,
		"txHash": resp.Transaction,
	})

	if raw, err := json.Marshal(resp); err == nil {
		w.Header().Set("X-Payment-Response", base64.StdEncoding.EncodeToString(raw))
	}
	return true
}

// --- Discovery and history endpoints ---

// handleRequirements advertises what a payment for an action must look
// like, so wallets can sign before the first 402 round trip.
func (s *Server) handleRequirements(w http.ResponseWriter, r *http.Request) {
	actionKey := r.URL.Query().Get("action")
	if actionKey == "" {
		actionKey = "chat"
	}

	var (
		req payment.PaymentRequirements
		err error
	)
	switch {
	case actionKey == "chat":
		req, err = s.chatRequirements()
	case strings.HasPrefix(actionKey, "agent:"):
		if s.agents == nil {
			writeError(w, http.StatusServiceUnavailable, "agent registry not configured")
			return
		}
		id, parseErr := strconv.ParseInt(strings.TrimPrefix(actionKey, "agent:"), 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid agent action key")
			return
		}
		agent, getErr := s.agents.Get(r.Context(), id)
		if getErr != nil {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		req, err = s.agentRequirements(actionKey, agent.PricePerExecution.String())
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		s.logger.Error("requirements resolution failed", "action", actionKey, "error", err)
		writeError(w, http.StatusInternalServerError, "pricing unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"x402Version": payment.X402Version,
		"accepts":     []payment.PaymentRequirements{req},
	})
}

// handleHistory returns settlements, optionally filtered by payer.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	payer := r.URL.Query().Get("payer")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	settlements, err := s.ledger.History(r.Context(), payer, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
		"count":       len(settlements),
	})
}
