// Package redisclient wraps a go-redis client the way the gateway does:
// parse the URL once at startup, ping with a short timeout, and let the
// caller decide whether a failure is fatal.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	Raw *redis.Client
}

// New returns nil, nil when rawURL is empty — Redis is optional in
// caseflow; callers fall back to Postgres-backed idempotency.
func New(rawURL string) (*Client, error) {
	if rawURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{Raw: redis.NewClient(opt)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Raw.Ping(ctx).Err()
}
