package cursorstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisCursorKey = "caseflow:gmail:history_cursor"

// RedisStore is the alternate backend used when REDIS_URL is configured;
// it uses an optimistic WATCH/transaction loop to implement the same
// GREATEST-only advance as the Postgres backend, since go-redis has no
// built-in conditional SET.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Get(ctx context.Context) (uint64, bool, error) {
	raw, err := s.rdb.Get(ctx, redisCursorKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cursorstore(redis): get: %w", err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cursorstore(redis): parse cursor: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Advance(ctx context.Context, newValue uint64) error {
	txf := func(tx *redis.Tx) error {
		current, _, err := s.getWithin(ctx, tx)
		if err != nil {
			return err
		}
		if newValue <= current {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisCursorKey, newValue, 0)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, redisCursorKey)
	if err == redis.TxFailedErr {
		// another writer advanced it concurrently; retry once.
		return s.rdb.Watch(ctx, txf, redisCursorKey)
	}
	if err != nil {
		return fmt.Errorf("cursorstore(redis): advance: %w", err)
	}
	return nil
}

func (s *RedisStore) getWithin(ctx context.Context, tx *redis.Tx) (uint64, bool, error) {
	raw, err := tx.Get(ctx, redisCursorKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
