package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/algowizzzz/graphdb-agent-sec/metrics"
)

const cacheKeyPrefix = "graphagent:chat:"

// Cache memoizes deterministic chat completions in Redis. Only requests
// with Temperature 0 are cached. Embeddings pass through.
type Cache struct {
	next    Provider
	rdb     redis.UniversalClient
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCache wraps next with a Redis-backed completion cache.
func NewCache(next Provider, rdb redis.UniversalClient, ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{next: next, rdb: rdb, ttl: ttl, metrics: m}
}

// SupportsJSONMode forwards to the wrapped provider.
func (c *Cache) SupportsJSONMode() bool { return SupportsJSONMode(c.next) }

func cacheKey(req ChatRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return cacheKeyPrefix + hex.EncodeToString(sum[:]), nil
}

func (c *Cache) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Temperature != 0 {
		return c.next.Chat(ctx, req)
	}
	key, err := cacheKey(req)
	if err != nil {
		return c.next.Chat(ctx, req)
	}

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var resp ChatResponse
		if jerr := json.Unmarshal(data, &resp); jerr == nil {
			c.metrics.CacheLookup(true)
			return &resp, nil
		}
	case !errors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "llm: cache read failed", "error", err)
	}
	c.metrics.CacheLookup(false)

	resp, err := c.next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(resp); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.WarnContext(ctx, "llm: cache write failed", "error", err)
		}
	}
	return resp, nil
}

func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.Embed(ctx, texts)
}
