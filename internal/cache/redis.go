package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Service on a Redis backend. Sliding expiration is
// implemented with GETEX so a read and its TTL refresh are one round trip.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Window   time.Duration
}

// NewRedis creates a Redis cache client and verifies connectivity.
func NewRedis(cfg *RedisConfig) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "ledgerflow"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client, prefix: cfg.Prefix, window: cfg.Window}, nil
}

func (c *Redis) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.GetEx(ctx, c.wrapKey(key), c.window).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get: %w", err)
	}
	return json.Unmarshal(data, dest)
}

func (c *Redis) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.wrapKey(key), data, c.window).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	wrapped := make([]string, len(keys))
	for i, key := range keys {
		wrapped[i] = c.wrapKey(key)
	}
	if err := c.client.Unlink(ctx, wrapped...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (c *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := c.client.Keys(ctx, c.wrapKey(prefix)+"*").Result()
	if err != nil {
		return fmt.Errorf("redis keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis unlink: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) wrapKey(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}
