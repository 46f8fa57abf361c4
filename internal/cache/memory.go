package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	data     []byte
	expireAt time.Time
}

// Memory implements Service with in-process storage, sliding expiration,
// and a background sweep of expired entries.
type Memory struct {
	mu         sync.Mutex
	data       map[string]*memoryItem
	window     time.Duration
	maxEntries int
	ticker     *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

type MemoryOption func(*Memory)

// WithSweepInterval sets how often expired entries are collected.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.ticker.Reset(d)
		}
	}
}

// WithMaxEntries bounds the cache size; the soonest-expiring entry is
// evicted when full.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewMemory creates an in-memory sliding-TTL cache.
func NewMemory(window time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		data:       make(map[string]*memoryItem),
		window:     window,
		maxEntries: 10000,
		ticker:     time.NewTicker(time.Minute),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

func (m *Memory) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.data[key]
	if !ok {
		return ErrCacheMiss
	}
	if time.Now().After(item.expireAt) {
		delete(m.data, key)
		return ErrCacheMiss
	}

	// Sliding expiration: a read extends the entry's life.
	item.expireAt = time.Now().Add(m.window)

	return json.Unmarshal(item.data, dest)
}

func (m *Memory) Set(_ context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists && len(m.data) >= m.maxEntries {
		m.evictSoonest()
	}
	m.data[key] = &memoryItem{data: data, expireAt: time.Now().Add(m.window)}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *Memory) evictSoonest() {
	var victim string
	var soonest time.Time
	for key, item := range m.data {
		if victim == "" || item.expireAt.Before(soonest) {
			victim = key
			soonest = item.expireAt
		}
	}
	if victim != "" {
		delete(m.data, victim)
	}
}

func (m *Memory) sweep() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, item := range m.data {
				if now.After(item.expireAt) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}

// Len reports live (possibly expired, not yet swept) entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
