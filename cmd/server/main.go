package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/agentmarket/onechat/internal/config"
	"github.com/agentmarket/onechat/internal/directory"
	"github.com/agentmarket/onechat/internal/events"
	"github.com/agentmarket/onechat/internal/infra"
	"github.com/agentmarket/onechat/internal/ledger"
	"github.com/agentmarket/onechat/internal/model"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/registry"
	"github.com/agentmarket/onechat/internal/server"
	"github.com/agentmarket/onechat/internal/webhooks"
)

func main() {
	// .env is for local development; deployments inject the real env.
	_ = godotenv.Load()

	cfgPath := os.Getenv("ONECHAT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	actionsPath := os.Getenv("ONECHAT_ACTIONS_CONFIG")
	if actionsPath == "" {
		actionsPath = "actions.yaml"
	}

	pricing, err := config.NewManager(cfgPath, actionsPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := pricing.Config()

	if cfg.Payment.PayTo == "" {
		log.Fatal("ONECHAT_PAY_TO (or payment.pay_to) must be set; the gateway needs a payment recipient")
	}

	// Replay guard: Redis when configured. The in-memory guard is only
	// safe on a single instance; with replicas a proof could be spent
	// once per replica.
	var replay payment.ReplayGuard = payment.NewMemoryReplayGuard()
	if cfg.Redis.Addr != "" {
		rdb, err := infra.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		replay = payment.NewRedisReplayGuard(rdb)
		log.Printf("🔐 Replay guard: redis (%s)", cfg.Redis.Addr)
	} else {
		log.Println("🔐 Replay guard: in-memory (single instance only)")
	}

	facilitator := payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, 10*time.Second)
	if facilitator == nil {
		log.Println("⚠️ No facilitator configured, structural verification only")
	}
	verifier := payment.NewVerifier(replay, facilitator, nil)

	var store ledger.Store = ledger.NewMemoryStore()
	switch {
	case os.Getenv("SPANNER_DATABASE_ID") != "":
		sp, err := ledger.NewSpannerStore(
			os.Getenv("SPANNER_PROJECT_ID"),
			os.Getenv("SPANNER_INSTANCE_ID"),
			os.Getenv("SPANNER_DATABASE_ID"),
		)
		if err != nil {
			log.Fatalf("Failed to open Spanner ledger: %v", err)
		}
		defer sp.Close()
		store = sp
		log.Println("🗄️ Ledger: spanner")
	case cfg.Postgres.DSN != "":
		pg, err := ledger.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("Failed to open Postgres ledger: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Println("🗄️ Ledger: postgres")
	default:
		log.Println("🗄️ Ledger: in-memory")
	}

	memBus := events.NewEventBus()
	var bus server.EventStream = memBus
	if cfg.PubSub.ProjectID != "" {
		ps, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer ps.Close()
		bus = ps
		memBus = ps.EventBus
	}

	// Webhooks ride the in-memory bus. The registry is always live so
	// subscriptions can be managed over the API; delivery is in-process
	// unless a Cloud Tasks queue is configured.
	hooks := webhooks.NewRegistry()
	var hookEmitter webhooks.Emitter
	if project := os.Getenv("CLOUD_TASKS_PROJECT_ID"); project != "" {
		cd, err := webhooks.NewCloudDispatcher(hooks, project,
			envOr("CLOUD_TASKS_LOCATION_ID", "us-central1"),
			envOr("CLOUD_TASKS_QUEUE_ID", "onechat-webhooks"), 2)
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
		hookEmitter = cd
		log.Println("🪝 Webhook delivery: cloud tasks")
	} else {
		hookEmitter = webhooks.NewDispatcher(hooks, 4)
		log.Println("🪝 Webhook delivery: in-process")
	}
	defer hookEmitter.Shutdown()

	bridge := webhooks.NewBridge(memBus, hookEmitter,
		events.TypePaymentSettled, events.TypePaymentRejected, events.TypeAgentExecuted)
	defer bridge.Close()

	if hookURL := os.Getenv("ONECHAT_WEBHOOK_URL"); hookURL != "" {
		err := hooks.Register(&webhooks.Subscription{
			URL:    hookURL,
			Secret: os.Getenv("ONECHAT_WEBHOOK_SECRET"),
			Events: []string{events.TypePaymentSettled, events.TypePaymentRejected, events.TypeAgentExecuted},
		})
		if err != nil {
			log.Fatalf("Failed to register webhook from env: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var agents *registry.Cache
	if cfg.Chain.RegistryAddress != "" {
		eth, err := ethclient.Dial(cfg.Chain.RPCURL)
		if err != nil {
			log.Fatalf("Failed to dial RPC %s: %v", cfg.Chain.RPCURL, err)
		}
		defer eth.Close()

		reader, err := registry.NewReader(eth, common.HexToAddress(cfg.Chain.RegistryAddress))
		if err != nil {
			log.Fatalf("Failed to build registry reader: %v", err)
		}
		agents = registry.NewCache(reader, 30*time.Second)
		log.Printf("🤖 Agent registry: %s on %s", cfg.Chain.RegistryAddress, cfg.Payment.Network)

		if os.Getenv("SUPABASE_URL") != "" {
			mirror, err := directory.NewMirror(cfg.Payment.Network, cfg.Payment.Decimals)
			if err != nil {
				log.Fatalf("Failed to initialize Supabase mirror: %v", err)
			}
			go mirror.SyncLoop(ctx, reader, 5*time.Minute)
			log.Println("📇 Supabase directory mirror enabled")
		}
	} else {
		log.Println("🤖 No agent registry configured, agent endpoints disabled")
	}

	// Without a model service the gateway serves canned responses so
	// the paid flow can be exercised end to end locally.
	var backend model.Backend = model.NewStaticBackend()
	if cfg.Model.BaseURL != "" {
		backend = model.NewHTTPBackend(cfg.Model.BaseURL, cfg.Model.APIKey, 60*time.Second)
		log.Printf("🧠 Model backend: %s", cfg.Model.BaseURL)
	} else {
		log.Println("🧠 Model backend: static responses (set ONECHAT_MODEL_URL)")
	}

	srv := server.New(server.Deps{
		Pricing:  pricing,
		Verifier: verifier,
		Backend:  backend,
		Agents:   agents,
		Ledger:   store,
		Events:   bus,
		Hooks:    hooks,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 OneChat gateway starting on port %s (network=%s, chat=%s %s)",
		cfg.Server.Port, cfg.Payment.Network, cfg.Payment.ChatPrice, cfg.Payment.AssetName)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

