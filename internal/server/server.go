// Package server is the HTTP surface of the gateway: paid chat and
// agent execution guarded by x402 verification, plus the free
// discovery, history, and streaming endpoints around them.
package server

import (
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/config"
	"github.com/agentmarket/onechat/internal/events"
	"github.com/agentmarket/onechat/internal/ledger"
	"github.com/agentmarket/onechat/internal/middleware"
	"github.com/agentmarket/onechat/internal/model"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/registry"
	"github.com/agentmarket/onechat/internal/webhooks"
)

// EventStream is the slice of the event bus the server uses. Both
// events.EventBus and events.PubSubEventBus satisfy it.
type EventStream interface {
	Emit(eventType, source, subject string, data map[string]interface{})
	Subscribe(eventTypes ...string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// Deps carries everything the server needs. Agents may be nil when no
// registry is configured; the agent endpoints then answer 503.
type Deps struct {
	Pricing  *config.Manager
	Verifier *payment.Verifier
	Backend  model.Backend
	Agents   *registry.Cache
	Ledger   ledger.Store
	Audit    *ledger.AuditLog
	Stats    *ledger.AgentStats
	Sessions *chat.SessionStore
	Events   EventStream
	Hooks    *webhooks.Registry
	Metrics  *Metrics
	Limiter  *middleware.RateLimiter
}

// Server wires the paid endpoints to the payment verifier and the
// model backend.
type Server struct {
	pricing   *config.Manager
	verifier  *payment.Verifier
	backend   model.Backend
	agents    *registry.Cache
	ledger    ledger.Store
	audit     *ledger.AuditLog
	stats     *ledger.AgentStats
	sessions  *chat.SessionStore
	events    EventStream
	hooks     *webhooks.Registry
	metrics   *Metrics
	limiter   *middleware.RateLimiter
	logger    *slog.Logger
	startedAt time.Time
}

// New assembles a server, filling in-memory defaults for optional
// dependencies so tests and local runs need minimal wiring.
func New(deps Deps) *Server {
	if deps.Pricing == nil {
		deps.Pricing = config.NewManagerFromConfig(config.Default())
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemoryStore()
	}
	if deps.Audit == nil {
		deps.Audit = ledger.NewAuditLog()
	}
	if deps.Stats == nil {
		deps.Stats = ledger.NewAgentStats()
	}
	if deps.Sessions == nil {
		deps.Sessions = chat.NewSessionStore()
	}
	if deps.Events == nil {
		deps.Events = events.NewEventBus()
	}
	if deps.Hooks == nil {
		deps.Hooks = webhooks.NewRegistry()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Limiter == nil {
		rl := deps.Pricing.Config().RateLimit
		deps.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: rl.MaxCallsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	return &Server{
		pricing:   deps.Pricing,
		verifier:  deps.Verifier,
		backend:   deps.Backend,
		agents:    deps.Agents,
		ledger:    deps.Ledger,
		audit:     deps.Audit,
		stats:     deps.Stats,
		sessions:  deps.Sessions,
		events:    deps.Events,
		hooks:     deps.Hooks,
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
		logger:    slog.Default().With("component", "server"),
		startedAt: time.Now(),
	}
}

// Router builds the full route table. OPTIONS is registered on paid
// routes so CORS preflights match and get answered by the middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.CORS)
	r.Use(middleware.MaxBody(1 << 20))
	r.Use(middleware.PayerMiddleware)
	r.Use(s.limiter.Middleware)
	r.Use(middleware.Logging)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chat", s.handleChat).Methods("POST", "OPTIONS")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}/execute", s.handleExecuteAgent).Methods("POST", "OPTIONS")
	api.HandleFunc("/payments/requirements", s.handleRequirements).Methods("GET")
	api.HandleFunc("/payments/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	api.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	api.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods("DELETE")

	r.HandleFunc("/ws/sessions/{id}", s.handleSessionStream)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	log.Println("📦 Gateway API routes registered")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.Totals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"service":     "onechat-gateway",
		"network":     s.pricing.Config().Payment.Network,
		"sessions":    s.sessions.Count(),
		"settlements": totals,
		"audit": map[string]interface{}{
			"root": s.audit.Root(),
			"size": s.audit.Size(),
		},
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
