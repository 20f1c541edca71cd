// Package cache stores the last good result set of each compiled query so a
// caller can serve stale results while the store is unavailable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/query"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// KV is the byte store behind ResultCache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Entry is a cached result set.
type Entry struct {
	StoredAt time.Time         `msgpack:"stored_at"`
	Results  []enricher.Result `msgpack:"results"`
}

// ResultCache maps compiled queries to their last results.
type ResultCache struct {
	kv     KV
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// New creates a ResultCache. Keys are namespaced under prefix.
func New(kv KV, ttl time.Duration, prefix string, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "screener"
	}
	return &ResultCache{kv: kv, ttl: ttl, prefix: prefix, logger: logger}
}

// Key derives a stable cache key from the SQL text and its bound values.
func Key(q query.Compiled) (string, error) {
	values, err := msgpack.Marshal(q.Values)
	if err != nil {
		return "", fmt.Errorf("encoding query values: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(q.Text))
	h.Write([]byte{0})
	h.Write(values)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *ResultCache) key(q query.Compiled) (string, error) {
	k, err := Key(q)
	if err != nil {
		return "", err
	}
	return c.prefix + ":results:" + k, nil
}

// Put stores results for q.
func (c *ResultCache) Put(ctx context.Context, q query.Compiled, results []enricher.Result) error {
	key, err := c.key(q)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(Entry{StoredAt: time.Now().UTC(), Results: results})
	if err != nil {
		return fmt.Errorf("encoding cached results: %w", err)
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		return fmt.Errorf("storing cached results: %w", err)
	}
	c.logger.Debug("Cached results", "key", key, "results", len(results), "bytes", len(data))
	return nil
}

// Get returns the cached entry for q, or ErrMiss.
func (c *ResultCache) Get(ctx context.Context, q query.Compiled) (*Entry, error) {
	key, err := c.key(q)
	if err != nil {
		return nil, err
	}
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding cached results: %w", err)
	}
	return &e, nil
}

// RedisKV adapts a go-redis client to KV.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
