package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const settlementsSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	id          UUID PRIMARY KEY,
	hash        TEXT NOT NULL UNIQUE,
	action_key  TEXT NOT NULL,
	payer       TEXT NOT NULL,
	pay_to      TEXT NOT NULL,
	asset       TEXT NOT NULL,
	amount      TEXT NOT NULL,
	network     TEXT NOT NULL,
	status      TEXT NOT NULL,
	tx_hash     TEXT NOT NULL DEFAULT '',
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	settled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS settlements_payer_idx ON settlements (payer, created_at DESC);
`

// PostgresStore persists settlements in Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects, verifies the connection, and bootstraps
// the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, settlementsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: bootstrap schema: %w", err)
	}

	logger := log.New(log.Writer(), "[Ledger] ", log.LstdFlags)
	logger.Printf("📦 postgres settlement store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Record implements Store.
func (p *PostgresStore) Record(ctx context.Context, s Settlement) (Settlement, error) {
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

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (id, hash, action_key, payer, pay_to, asset, amount, network, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.Hash, s.ActionKey, s.Payer, s.PayTo, s.Asset, s.Amount, s.Network, s.Status, s.CreatedAt,
	)
	if err != nil {
		return Settlement{}, fmt.Errorf("ledger: insert settlement: %w", err)
	}
	return s, nil
}

// MarkSettled implements Store.
func (p *PostgresStore) MarkSettled(ctx context.Context, hash, txHash string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET status = $1, tx_hash = $2, settled_at = $3 WHERE hash = $4`,
		StatusSettled, txHash, time.Now().UTC(), hash,
	)
	if err != nil {
		return fmt.Errorf("ledger: mark settled: %w", err)
	}
	return requireRow(res)
}

// MarkFailed implements Store.
func (p *PostgresStore) MarkFailed(ctx context.Context, hash, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET status = $1, fail_reason = $2 WHERE hash = $3`,
		StatusFailed, reason, hash,
	)
	if err != nil {
		return fmt.Errorf("ledger: mark failed: %w", err)
	}
	return requireRow(res)
}

// History implements Store.
func (p *PostgresStore) History(ctx context.Context, payer string, limit int) ([]Settlement, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, hash, action_key, payer, pay_to, asset, amount, network, status, tx_hash, fail_reason, created_at, settled_at
		FROM settlements`
	args := []interface{}{}
	if payer != "" {
		query += ` WHERE payer = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, strings.ToLower(payer), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query history: %w", err)
	}
	defer rows.Close()

	out := make([]Settlement, 0, limit)
	for rows.Next() {
		var s Settlement
		var settledAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Hash, &s.ActionKey, &s.Payer, &s.PayTo, &s.Asset, &s.Amount, &s.Network, &s.Status, &s.TxHash, &s.FailReason, &s.CreatedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("ledger: scan settlement: %w", err)
		}
		if settledAt.Valid {
			t := settledAt.Time
			s.SettledAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Totals implements Store.
func (p *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = $1),
		       count(*) FILTER (WHERE status = $2)
		FROM settlements`, StatusSettled, StatusFailed,
	).Scan(&t.Count, &t.Settled, &t.Failed)
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: totals: %w", err)
	}
	return t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
