package cache

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Service is a sliding-expiration cache of JSON-encoded values. Get
// refreshes the entry's expiry (sliding window); Set stamps a fresh one.
// Any error other than ErrCacheMiss means the backend is unavailable and
// callers must degrade to a miss.
type Service interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}
