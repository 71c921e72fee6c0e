// Package infra adapts external infrastructure clients to the narrow
// interfaces the gateway consumes. Keeping the client libraries here
// means the payment packages never import them directly.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client for the distributed replay guard. The
// guard needs exactly one primitive, SETNX, so that is all the adapter
// exposes.
type Redis struct {
	client *redis.Client
}

// Dial connects and verifies the connection with a ping. Callers treat
// an error as "run with the in-memory guard instead", so failing here
// is loud but not fatal.
func Dial(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("infra: redis ping %s: %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Redis{client: client}, nil
}

// SetNX claims a key if nobody holds it. The replay guard uses it to
// claim payment hashes atomically across gateway instances.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Close releases the client and its pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
