// Package stepcache adapts the gateway's semantic response cache into an
// idempotency cache for case-worker pipeline steps. Instead of indexing by
// embedding similarity, each entry is addressed by the exact pair
// (source_message_id, step name): a redelivered task looks its step results
// up here before re-running an LLM call or a tool invocation.
package stepcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTTL = 24 * time.Hour

// Cache stores step outputs in Redis, keyed by case and step name.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
	ttl time.Duration
}

func New(rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, log: log, ttl: defaultTTL}
}

func key(sourceMessageID, step string) string {
	return fmt.Sprintf("case:%s:step:%s", sourceMessageID, step)
}

// Get returns (true, nil) with out populated if a prior run already
// completed this step; (false, nil) on a clean miss.
func (c *Cache) Get(ctx context.Context, sourceMessageID, step string, out interface{}) (bool, error) {
	if c.rdb == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key(sourceMessageID, step)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("step", step).Msg("stepcache get failed, treating as miss")
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("stepcache: decode cached step %s: %w", step, err)
	}
	return true, nil
}

// Put persists a step's output so a later retry of the same case can reuse
// it instead of re-invoking an LLM or a downstream tool.
func (c *Cache) Put(ctx context.Context, sourceMessageID, step string, value interface{}) error {
	if c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("stepcache: encode step %s: %w", step, err)
	}
	if err := c.rdb.Set(ctx, key(sourceMessageID, step), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("step", step).Msg("stepcache put failed")
	}
	return nil
}
