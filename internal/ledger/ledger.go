// Package ledger records what happened to every accepted payment.
// A settlement row is written the moment a payment is spent on an
// action and updated when the facilitator confirms or fails the
// on-chain transfer. The payments history endpoint reads from here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status tracks the lifecycle of a settlement.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSettled Status = "SETTLED"
	StatusFailed  Status = "FAILED"
)

// ErrNotFound is returned when no settlement exists for a hash.
var ErrNotFound = errors.New("ledger: settlement not found")

// Settlement is one spent payment.
type Settlement struct {
	ID         string     `json:"id"`
	Hash       string     `json:"hash"`
	ActionKey  string     `json:"actionKey"`
	Payer      string     `json:"payer"`
	PayTo      string     `json:"payTo"`
	Asset      string     `json:"asset"`
	Amount     string     `json:"amount"`
	Network    string     `json:"network"`
	Status     Status     `json:"status"`
	TxHash     string     `json:"txHash,omitempty"`
	FailReason string     `json:"failReason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
}

// Totals is the aggregate view served on the metrics surface.
type Totals struct {
	Count   int64 `json:"count"`
	Settled int64 `json:"settled"`
	Failed  int64 `json:"failed"`
}

// Store persists settlements. Implementations: MemoryStore for single
// instances and tests, PostgresStore for real deployments.
type Store interface {
	Record(ctx context.Context, s Settlement) (Settlement, error)
	MarkSettled(ctx context.Context, hash, txHash string) error
	MarkFailed(ctx context.Context, hash, reason string) error
	History(ctx context.Context, payer string, limit int) ([]Settlement, error)
	Totals(ctx context.Context) (Totals, error)
}

// MemoryStore keeps settlements in a mutex-guarded map.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Settlement
	logger *log.Logger
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Settlement),
		logger: log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// Record implements Store. The payment hash is the natural key; a
// second record for the same hash is rejected because the replay guard
// should have stopped it earlier.
func (m *MemoryStore) Record(_ context.Context, s Settlement) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHash[s.Hash]; exists {
		return Settlement{}, fmt.Errorf("ledger: settlement for hash %s already recorded", s.Hash)
	}

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	s.Payer = strings.ToLower(s.Payer)

	stored := s
	m.byHash[s.Hash] = &stored
	m.logger.Printf("💰 recorded %s %s for %s (action=%s)", s.Amount, s.Asset, s.Payer, s.ActionKey)
	return stored, nil
}

// MarkSettled implements Store.
func (m *MemoryStore) MarkSettled(_ context.Context, hash, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = StatusSettled
	s.TxHash = txHash
	s.SettledAt = &now
	m.logger.Printf("✅ settled %s (tx=%s)", hash, txHash)
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, hash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusFailed
	s.FailReason = reason
	m.logger.Printf("❌ settlement failed %s: %s", hash, reason)
	return nil
}

// History implements Store: a payer's settlements, newest first.
func (m *MemoryStore) History(_ context.Context, payer string, limit int) ([]Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	payer = strings.ToLower(payer)

	m.mu.Lock()
	out := make([]Settlement, 0)
	for _, s := range m.byHash {
		if payer == "" || s.Payer == payer {
			out = append(out, *s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Totals implements Store.
func (m *MemoryStore) Totals(context.Context) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Totals{}
	for _, s := range m.byHash {
		t.Count++
		switch s.Status {
		case StatusSettled:
			t.Settled++
		case StatusFailed:
			t.Failed++
		}
	}
	return t, nil
}
