// ABOUTME: Per-resource concurrency tokens keyed by host and operation class.
// ABOUTME: Each key has its own lock; classes without a configured limit are unlimited.

package job

import (
	"fmt"
	"sync"
)

// ResourceKey identifies a limited resource, such as snapshot commands on
// one host.
type ResourceKey struct {
	HostID int64
	Class  string
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("host%d/%s", k.HostID, k.Class)
}

type tokenCount struct {
	mu    sync.Mutex
	count int
}

// Limiter hands out concurrency tokens. The zero value is not usable; use
// NewLimiter.
type Limiter struct {
	limits sync.Map // class -> int
	counts sync.Map // ResourceKey -> *tokenCount
}

// NewLimiter creates a Limiter with the given per-class maxima.
func NewLimiter(limits map[string]int) *Limiter {
	l := &Limiter{}
	for class, n := range limits {
		l.SetLimit(class, n)
	}
	return l
}

// SetLimit changes the maximum for class. A limit of zero or less removes the
// limit. Tokens already held above a lowered limit stay valid until released.
func (l *Limiter) SetLimit(class string, limit int) {
	if limit <= 0 {
		l.limits.Delete(class)
		return
	}
	l.limits.Store(class, limit)
}

// Limit returns the configured maximum for class, or zero if unlimited.
func (l *Limiter) Limit(class string) int {
	v, ok := l.limits.Load(class)
	if !ok {
		return 0
	}
	return v.(int)
}

func (l *Limiter) counter(key ResourceKey) *tokenCount {
	v, _ := l.counts.LoadOrStore(key, &tokenCount{})
	return v.(*tokenCount)
}

// TryAcquire takes a token for key if one is free. It never blocks.
func (l *Limiter) TryAcquire(key ResourceKey) bool {
	limit := l.Limit(key.Class)
	c := l.counter(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.count >= limit {
		return false
	}
	c.count++
	return true
}

// Release returns a token for key.
func (l *Limiter) Release(key ResourceKey) {
	c := l.counter(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}

// InUse returns the number of tokens currently held for key.
func (l *Limiter) InUse(key ResourceKey) int {
	c := l.counter(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
