package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halverson/stackdrift/internal/domain"
)

const verdictHashKey = "stackdrift:verdicts"

// RedisVerdictCache keeps the latest verdict per stack in one redis hash so
// the dashboard endpoint can read the whole fleet in a single call.
type RedisVerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisVerdictCache(client *redis.Client, ttl time.Duration) *RedisVerdictCache {
	return &RedisVerdictCache{client: client, ttl: ttl}
}

func (c *RedisVerdictCache) Put(ctx context.Context, v domain.DriftVerdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, verdictHashKey, v.Ref.String(), payload)
	if c.ttl > 0 {
		pipe.Expire(ctx, verdictHashKey, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store verdict: %w", err)
	}
	return nil
}

// Get returns the cached verdict for one stack, or nil when absent.
func (c *RedisVerdictCache) Get(ctx context.Context, ref domain.StackRef) (*domain.DriftVerdict, error) {
	raw, err := c.client.HGet(ctx, verdictHashKey, ref.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read verdict: %w", err)
	}
	var v domain.DriftVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &v, nil
}

// All returns every cached verdict, unordered.
func (c *RedisVerdictCache) All(ctx context.Context) ([]domain.DriftVerdict, error) {
	entries, err := c.client.HGetAll(ctx, verdictHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read verdicts: %w", err)
	}
	out := make([]domain.DriftVerdict, 0, len(entries))
	for _, raw := range entries {
		var v domain.DriftVerdict
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
