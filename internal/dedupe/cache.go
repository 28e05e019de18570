// Package dedupe provides the bounded recent-event-id cache consumers use to
// absorb at-least-once redelivery.
package dedupe

import "sync"

// DefaultCapacity bounds the cache when callers pass a non-positive size.
const DefaultCapacity = 4096

// Cache remembers the most recently seen event ids up to a fixed capacity,
// evicting the oldest id first. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

// New creates a Cache holding at most capacity ids.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Seen records id and reports whether it was already present. The first call
// for a given id returns false; subsequent calls return true until the id is
// evicted.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.addLocked(id)
	return false
}

// Contains reports whether id is currently held, without recording it.
// Handlers that may fail check with Contains first and Add only once their
// effects have been applied, so a redelivery after a transient failure is
// processed rather than swallowed.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Add records id, evicting the oldest held id at capacity. Adding a present
// id is a no-op.
func (c *Cache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return
	}
	c.addLocked(id)
}

func (c *Cache) addLocked(id string) {
	if evicted := c.order[c.head]; evicted != "" {
		delete(c.seen, evicted)
	}
	c.order[c.head] = id
	c.head = (c.head + 1) % c.capacity
	c.seen[id] = struct{}{}
}

// Len returns the number of ids currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
