// ABOUTME: TTL cache tracking admitted envelope keys per channel
// ABOUTME: Adapters are at-least-once sources, so re-delivered ids must not re-enter history

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	admittedAt time.Time
	elem       *list.Element
}

// Cache remembers which envelope keys (channel id + envelope id) have already
// been admitted into the gateway. It is TTL-based and size-limited; insertion
// order is kept in a linked list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates an admission cache with the given TTL and maximum size.
// A background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Admit atomically records an envelope key. It returns true if the key is new
// and the envelope should be processed, false if it was already admitted
// within the TTL window (a redelivery).
func (c *Cache) Admit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && time.Since(e.admittedAt) < c.ttl {
		return false
	}
	c.record(key)
	return true
}

// Seen reports whether the key was admitted within the TTL window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && time.Since(e.admittedAt) < c.ttl
}

// record must be called with mu held.
func (c *Cache) record(key string) {
	now := time.Now()

	if e, ok := c.entries[key]; ok {
		e.admittedAt = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, old)
		}
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{admittedAt: now, elem: elem}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.admittedAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
