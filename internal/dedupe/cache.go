// ABOUTME: Thread-safe TTL cache of idempotency keys and the responses they produced.
// ABOUTME: Lets a client retry an async submission without creating a second job.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of claiming a key.
type State int

const (
	// Claimed means the key was new and now belongs to the caller, who must
	// Fill or Forget it.
	Claimed State = iota
	// Pending means another request holds the key and has not finished.
	Pending
	// Done means the key already produced a response.
	Done
)

type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	value     V
	filled    bool
}

// Cache remembers recent keys with their responses, bounded by TTL and
// size. Eviction is oldest first.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine removes expired entries until Close.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically looks key up and reserves it when absent or expired.
// For Done the stored response is returned.
func (c *Cache[V]) Claim(key string) (V, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
		if entry.filled {
			return entry.value, Done
		}
		var zero V
		return zero, Pending
	}

	c.removeLocked(key)
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry[V]{timestamp: time.Now(), element: elem}

	var zero V
	return zero, Claimed
}

// Fill stores the response for a claimed key.
func (c *Cache[V]) Fill(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		// evicted while the request ran
		return
	}
	entry.value = v
	entry.filled = true
}

// Forget releases a claimed key so a later request can retry it.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[V]) removeLocked(key string) {
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
