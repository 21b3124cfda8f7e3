package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flotilla-io/flotilla/src/utils"
)

type Client struct {
	client *redis.Client
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Watch runs fn inside an optimistic transaction watching the given keys.
// fn is retried by go-redis only when it returns redis.TxFailedErr itself;
// callers decide their own retry policy on conflict.
func (c *Client) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return c.client.Watch(ctx, fn, keys...)
}

func NewClient(ctx context.Context, config *utils.Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%s", config.CacheClusterURL, "6379")

	opts := &redis.Options{
		Addr:     addr,
		Password: config.CachePassword,
		Username: config.CacheUsername,
		DB:       0,
	}
	if config.CacheURLScheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: config.CacheTLSDomain}
	}
	rdb := redis.NewClient(opts)

	// Test the connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: rdb,
	}, nil
}
