// Package spike deduplicates concurrent lookups of slow external resources.
// Many callers asking for the same key while a fetch is in flight share one
// result, and results are cached for a configurable TTL.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type Manager[T any] struct {
	mu       sync.Mutex
	fetch    func(ctx context.Context, key string) (T, error)
	cache    *gocache.Cache
	ttl      time.Duration
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// NewManager creates a Manager that serves reads from a TTL cache and
// collapses concurrent fetches for the same key into a single call.
// Errors are never cached, the next caller retries the fetch.
func NewManager[T any](fetch func(ctx context.Context, key string) (T, error), ttl time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:    fetch,
		cache:    gocache.New(ttl, defaultCleanupInterval),
		ttl:      ttl,
		inflight: make(map[string]*call[T]),
	}
}

func (m *Manager[T]) GetResult(ctx context.Context, key string) (T, error) { //nolint:ireturn
	m.mu.Lock()
	if v, ok := m.cache.Get(key); ok {
		m.mu.Unlock()
		//nolint:forcetypeassert
		return v.(T), nil
	}
	if c, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return m.wait(ctx, c)
	}

	c := &call[T]{done: make(chan struct{})}
	m.inflight[key] = c
	m.mu.Unlock()

	go func() {
		v, err := m.fetch(context.Background(), key)

		m.mu.Lock()
		if err == nil {
			m.cache.Set(key, v, m.ttl)
		}
		c.val, c.err = v, err
		delete(m.inflight, key)
		m.mu.Unlock()
		close(c.done)
	}()

	return m.wait(ctx, c)
}

// Forget drops a cached value so the next GetResult fetches fresh.
func (m *Manager[T]) Forget(key string) {
	m.mu.Lock()
	m.cache.Delete(key)
	m.mu.Unlock()
}

func (m *Manager[T]) wait(ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.val, c.err
	}
}
