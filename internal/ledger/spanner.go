package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore persists settlements in Cloud Spanner. Deployments that
// span regions use this instead of PostgresStore; the two are
// interchangeable behind Store.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore connects to projects/<project>/instances/<instance>/databases/<db>.
// The Settlements table must already exist (scripts/spanner.ddl).
func NewSpannerStore(project, instance, dbName string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: create spanner client: %w", err)
	}

	logger := log.New(log.Writer(), "[Ledger] ", log.LstdFlags)
	logger.Printf("📦 spanner settlement store ready (%s)", dbPath)
	return &SpannerStore{client: client, logger: logger}, nil
}

// Close releases the Spanner client.
func (ss *SpannerStore) Close() error {
	ss.client.Close()
	return nil
}

// Record implements Store.
func (ss *SpannerStore) Record(ctx context.Context, s Settlement) (Settlement, error) {
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

	_, err := ss.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("Settlements",
			[]string{"Hash", "ID", "ActionKey", "Payer", "PayTo", "Asset", "Amount", "Network", "Status", "TxHash", "FailReason", "CreatedAt"},
			[]interface{}{s.Hash, s.ID, s.ActionKey, s.Payer, s.PayTo, s.Asset, s.Amount, s.Network, string(s.Status), "", "", s.CreatedAt},
		),
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return Settlement{}, fmt.Errorf("ledger: settlement for hash %s already recorded", s.Hash)
		}
		return Settlement{}, fmt.Errorf("ledger: insert settlement: %w", err)
	}
	return s, nil
}

// MarkSettled implements Store.
func (ss *SpannerStore) MarkSettled(ctx context.Context, hash, txHash string) error {
	now := time.Now().UTC()
	return ss.update(ctx, hash, []string{"Hash", "Status", "TxHash", "SettledAt"},
		[]interface{}{hash, string(StatusSettled), txHash, now})
}

// MarkFailed implements Store.
func (ss *SpannerStore) MarkFailed(ctx context.Context, hash, reason string) error {
	return ss.update(ctx, hash, []string{"Hash", "Status", "FailReason"},
		[]interface{}{hash, string(StatusFailed), reason})
}

// update reads the row inside the transaction so a missing hash maps to
// ErrNotFound instead of a blind no-op mutation.
func (ss *SpannerStore) update(ctx context.Context, hash string, cols []string, vals []interface{}) error {
	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, "Settlements", spanner.Key{hash}, []string{"Hash"}); err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Update("Settlements", cols, vals)})
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// History implements Store.
func (ss *SpannerStore) History(ctx context.Context, payer string, limit int) ([]Settlement, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt := spanner.Statement{
		SQL: `SELECT Hash, ID, ActionKey, Payer, PayTo, Asset, Amount, Network, Status, TxHash, FailReason, CreatedAt, SettledAt
		      FROM Settlements
		      WHERE (@payer = '' OR Payer = @payer)
		      ORDER BY CreatedAt DESC
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"payer": strings.ToLower(payer),
			"limit": int64(limit),
		},
	}

	iter := ss.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	out := make([]Settlement, 0, limit)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: query history: %w", err)
		}

		var s Settlement
		var status string
		var settledAt spanner.NullTime
		if err := row.Columns(&s.Hash, &s.ID, &s.ActionKey, &s.Payer, &s.PayTo, &s.Asset, &s.Amount, &s.Network, &status, &s.TxHash, &s.FailReason, &s.CreatedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("ledger: scan settlement: %w", err)
		}
		s.Status = Status(status)
		if settledAt.Valid {
			t := settledAt.Time
			s.SettledAt = &t
		}
		out = append(out, s)
	}
	return out, nil
}

// Totals implements Store. The metrics surface tolerates a stale read.
func (ss *SpannerStore) Totals(ctx context.Context) (Totals, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COUNT(*),
		             COUNTIF(Status = @settled),
		             COUNTIF(Status = @failed)
		      FROM Settlements`,
		Params: map[string]interface{}{
			"settled": string(StatusSettled),
			"failed":  string(StatusFailed),
		},
	}

	roTx := ss.client.Single().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: totals: %w", err)
	}

	var t Totals
	if err := row.Columns(&t.Count, &t.Settled, &t.Failed); err != nil {
		return Totals{}, fmt.Errorf("ledger: scan totals: %w", err)
	}
	return t, nil
}
