// Package store implements the key-value persistence layer for subscription
// and credit records. All state lives in Redis under flat per-user hashes:
//
//	subscription:{userID}   SubscriptionRecord fields
//	credits:{userID}        CreditRecord fields
//	processed_payment:{ref} write-once idempotency marker
//
// There is no cross-key atomicity; the discipline is last-write-wins per key.
// Every operation is bounded by a per-op timeout so store unavailability
// surfaces as a retryable error instead of a hung request.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"lumina/internal/config"
	"lumina/internal/types"
)

// KV is the narrow key-value contract the stores are written against.
// Production uses the go-redis adapter; tests use an in-memory fake.
type KV interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]any) error
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// Connect establishes a Redis connection with bounded retries. It fails fast
// on an unparsable URL and keeps retrying Ping until the connect timeout or
// the attempt budget is exhausted.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalStore,
			"failed to parse redis connection URL",
			err,
		)
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		client := redis.NewClient(opts)
		if pingErr := client.Ping(ctx).Err(); pingErr == nil {
			return client, nil
		} else {
			lastErr = pingErr
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				"redis did not become ready before the connect timeout",
				errors.Join(lastErr, ctx.Err()),
			)
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"redis did not become ready within the retry budget",
		lastErr,
	)
}

// redisKV adapts *redis.Client to the KV interface, applying the per-op
// timeout and mapping driver errors to the internal_store_error code.
type redisKV struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisKV wraps a connected Redis client. opTimeout bounds every call;
// zero disables the bound.
func NewRedisKV(client *redis.Client, opTimeout time.Duration) KV {
	return &redisKV{client: client, opTimeout: opTimeout}
}

func (r *redisKV) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func storeErr(op string, err error) error {
	return types.NewAppError(types.ErrCodeInternalStore, "redis "+op+" failed", err)
}

func (r *redisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr("HGETALL", err)
	}
	return res, nil
}

func (r *redisKV) HSet(ctx context.Context, key string, fields map[string]any) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return storeErr("HSET", err)
	}
	return nil
}

func (r *redisKV) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, storeErr("HINCRBY", err)
	}
	return n, nil
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr("SETNX", err)
	}
	return ok, nil
}

func (r *redisKV) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("EXISTS", err)
	}
	return n > 0, nil
}

func (r *redisKV) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	keys, next, err := r.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, storeErr("SCAN", err)
	}
	return keys, next, nil
}

func (r *redisKV) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("DEL", err)
	}
	return nil
}

func (r *redisKV) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeErr("PING", err)
	}
	return nil
}

// Probe is the health check for the key-value store, mounted on GET /health.
type Probe struct {
	kv KV
}

// NewProbe creates a store health probe.
func NewProbe(kv KV) *Probe {
	return &Probe{kv: kv}
}

// Name identifies the probe in the health response.
func (p *Probe) Name() string { return "redis" }

// Check pings the store.
func (p *Probe) Check(ctx context.Context) error { return p.kv.Ping(ctx) }
