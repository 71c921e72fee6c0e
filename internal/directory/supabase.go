// Package directory mirrors the on-chain agent registry into Supabase
// so web clients can browse listings without an RPC connection. The
// chain stays authoritative; a background sync loop refreshes the
// mirror and the table serves read-only discovery.
package directory

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/registry"
)

// AgentRow is one registry entry as stored in the agents table.
type AgentRow struct {
	ID                   int64  `json:"id"`
	Developer            string `json:"developer"`
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Price                string `json:"price"`       // display units
	PriceUnits           string `json:"price_units"` // base units, decimal string
	TotalExecutions      int64  `json:"total_executions"`
	SuccessfulExecutions int64  `json:"successful_executions"`
	Reputation           int64  `json:"reputation"`
	Active               bool   `json:"active"`
	Network              string `json:"network"`
	SyncedAt             string `json:"synced_at,omitempty"` // String to handle Supabase timestamp format
}

// Mirror wraps the Supabase client with the registry sync operations.
type Mirror struct {
	client   *supabase.Client
	network  string
	decimals int
	logger   *log.Logger
}

// NewMirror creates a mirror from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewMirror(network string, decimals int) (*Mirror, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &Mirror{
		client:   client,
		network:  network,
		decimals: decimals,
		logger:   log.New(log.Writer(), "[Directory] ", log.LstdFlags),
	}, nil
}

func (m *Mirror) rowFor(agent registry.AgentRecord) AgentRow {
	return AgentRow{
		ID:                   agent.ID,
		Developer:            agent.Developer.Hex(),
		Name:                 agent.Name,
		Description:          agent.Description,
		Price:                payment.FormatAmount(agent.PricePerExecution, m.decimals),
		PriceUnits:           agent.PricePerExecution.String(),
		TotalExecutions:      agent.TotalExecutions,
		SuccessfulExecutions: agent.SuccessfulExecutions,
		Reputation:           agent.Reputation,
		Active:               agent.Active,
		Network:              m.network,
		SyncedAt:             time.Now().UTC().Format(time.RFC3339),
	}
}

// SyncAgents upserts the given registry state into the agents table.
func (m *Mirror) SyncAgents(ctx context.Context, agents []registry.AgentRecord) error {
	if len(agents) == 0 {
		return nil
	}

	rows := make([]AgentRow, 0, len(agents))
	for _, agent := range agents {
		rows = append(rows, m.rowFor(agent))
	}

	var result []AgentRow
	_, err := m.client.From("agents").
		Upsert(rows, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to sync agents: %w", err)
	}

	m.logger.Printf("📇 mirrored %d agents to Supabase", len(rows))
	return nil
}

// GetAgent retrieves one mirrored agent by ID. A missing row returns
// nil without error.
func (m *Mirror) GetAgent(ctx context.Context, id int64) (*AgentRow, error) {
	var rows []AgentRow
	_, err := m.client.From("agents").
		Select("*", "", false).
		Eq("id", strconv.FormatInt(id, 10)).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListAgents lists mirrored agents, optionally only active ones.
func (m *Mirror) ListAgents(ctx context.Context, activeOnly bool, limit int) ([]AgentRow, error) {
	query := m.client.From("agents").
		Select("*", "", false)
	if activeOnly {
		query = query.Eq("active", "true")
	}

	var rows []AgentRow
	_, err := query.
		Limit(limit, "").
		Order("id", nil).
		ExecuteTo(&rows)
	return rows, err
}

// SyncLoop refreshes the mirror from the chain until ctx is cancelled.
// The first sync runs immediately. Failures are logged and retried on
// the next tick; the mirror going stale must never take the gateway
// down.
func (m *Mirror) SyncLoop(ctx context.Context, source registry.Source, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	sync := func() {
		agents, err := source.ListAgents(ctx)
		if err != nil {
			m.logger.Printf("⚠️ registry read failed, mirror unchanged: %v", err)
			return
		}
		if err := m.SyncAgents(ctx, agents); err != nil {
			m.logger.Printf("⚠️ sync failed: %v", err)
		}
	}

	sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sync()
		case <-ctx.Done():
			return
		}
	}
}
