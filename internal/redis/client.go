package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pairlink"

// Client wraps go-redis. It carries session event fan-out between relay
// instances and the authenticate rate limiter.
type Client struct {
	*redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionChannel is the pub/sub channel carrying events of one session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", keyPrefix, sessionID)
}

// RateLimitKey is the sorted-set key of a rate limit bucket.
func RateLimitKey(scope, key string) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", keyPrefix, scope, key)
}
