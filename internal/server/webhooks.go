package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmarket/onechat/internal/webhooks"
)

// handleListWebhooks lists registered webhook subscriptions.
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks := s.hooks.ListAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": hooks,
		"count":    len(hooks),
	})
}

// handleRegisterWebhook registers a subscriber URL for event types.
func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.hooks.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("webhook registered", "id", sub.ID, "url", sub.URL, "events", sub.Events)
	writeJSON(w, http.StatusCreated, sub)
}

// handleDeleteWebhook removes a subscription by ID.
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.hooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
