package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces ledger entries in a shared Redis instance.
const keyPrefix = "x402:nonce:"

// RedisLedger is a Ledger backed by Redis, for facilitators that must keep
// replay protection across restarts or share it between instances. SET NX
// provides the atomic check-and-mark; entries never expire.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger creates a ledger on an existing Redis client. The caller
// owns the client's lifecycle.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// CheckAndMark implements Ledger.
func (l *RedisLedger) CheckAndMark(ctx context.Context, key Key) (bool, error) {
	set, err := l.client.SetNX(ctx, keyPrefix+key.String(), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("nonce ledger: check-and-mark: %w", err)
	}
	return !set, nil
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	if err := l.client.Del(ctx, keyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("nonce ledger: release: %w", err)
	}
	return nil
}

// Used implements Ledger.
func (l *RedisLedger) Used(ctx context.Context, key Key) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("nonce ledger: read: %w", err)
	}
	return n > 0, nil
}
