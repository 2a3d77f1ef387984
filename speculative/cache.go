// Package speculative holds not-yet-executed completion requests keyed by the
// completion id they anticipate, so the next keystroke can run them without
// waiting on the debounce timer.
package speculative

import (
	"context"
	"sync"

	"ghosttab/logger"
	"ghosttab/types"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity is the number of pending requests kept before LRU eviction
const DefaultCapacity = 100

// Thunk is a captured request. It is invoked at most once.
type Thunk[T any] func(ctx context.Context) (T, error)

// Cache is a bounded id → Thunk store with least-recently-used eviction.
// It is safe for concurrent use; Request removes an entry before invoking it.
type Cache[T any] struct {
	mu    sync.Mutex
	store *lru.Cache
}

// New creates a cache holding at most capacity thunks
func New[T any](capacity int) (*Cache[T], error) {
	if capacity < 1 {
		return nil, errors.AssertionFailedf("speculative cache capacity must be at least 1, got %d", capacity)
	}
	store, err := lru.New(capacity)
	if err != nil {
		return nil, errors.Wrap(err, "speculative: create lru")
	}
	return &Cache[T]{store: store}, nil
}

// Set inserts or replaces the thunk for id. An existing entry is removed
// first so id becomes the most recently touched; a new id at capacity evicts
// the least recently touched entry.
func (c *Cache[T]) Set(id types.CompletionRequestID, thunk Thunk[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Remove(id)
	if evicted := c.store.Add(id, thunk); evicted {
		logger.Debug("speculative: evicted oldest entry to make room for %s", id)
	}
}

// Has reports whether id has a pending thunk. Recency is not affected.
func (c *Cache[T]) Has(id types.CompletionRequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Contains(id)
}

// Get returns the thunk for id without invoking it and marks it most recently used
func (c *Cache[T]) Get(id types.CompletionRequestID) (Thunk[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store.Get(id)
	if !ok {
		return nil, false
	}
	return v.(Thunk[T]), true
}

// Request removes the thunk for id and invokes it. A missing id yields the
// zero value and no error. A failing thunk is not re-inserted.
func (c *Cache[T]) Request(ctx context.Context, id types.CompletionRequestID) (T, error) {
	var zero T

	c.mu.Lock()
	v, ok := c.store.Peek(id)
	if ok {
		c.store.Remove(id)
	}
	c.mu.Unlock()

	if !ok {
		return zero, nil
	}

	defer logger.Trace("speculative.Request")()
	result, err := v.(Thunk[T])(ctx)
	if err != nil {
		return zero, errors.Wrapf(err, "speculative request %s", id)
	}
	return result, nil
}

// Clear drops every entry without invoking it
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
}

// Len returns the number of pending thunks
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// Keys returns ids from least to most recently touched
func (c *Cache[T]) Keys() []types.CompletionRequestID {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := c.store.Keys()
	ids := make([]types.CompletionRequestID, 0, len(raw))
	for _, k := range raw {
		ids = append(ids, k.(types.CompletionRequestID))
	}
	return ids
}
