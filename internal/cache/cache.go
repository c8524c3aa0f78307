package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a thread-safe in-memory key/value store with per-entry
// expiration. Expired entries are invisible to Get; a background sweep
// removes them to bound memory. Operations never fail.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]entry
	defaultTTL time.Duration
	log        *logrus.Entry
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache and starts its sweep goroutine. A sweepInterval of
// zero disables the sweep; Get still rejects expired entries.
func New(logger *logrus.Logger, defaultTTL, sweepInterval time.Duration) *Cache {
	c := &Cache{
		items:      make(map[string]entry),
		defaultTTL: defaultTTL,
		log:        logger.WithField("component", "cache"),
		stop:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Set stores value under key with the cache's default TTL, overwriting any
// existing entry.
func (c *Cache) Set(key string, value interface{}) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *Cache) SetTTL(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the value stored under key, or false if the key is absent or
// expired. Expired entries found on access are deleted.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, found := c.items[key]
	c.mu.RUnlock()

	if !found {
		c.log.WithField("key", key).Debug("Cache miss")
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		// Re-check under the write lock: the entry may have been
		// overwritten with a fresh TTL in the meantime.
		c.mu.Lock()
		e, found = c.items[key]
		if found && time.Now().After(e.expiresAt) {
			delete(c.items, key)
			found = false
		}
		c.mu.Unlock()
		if !found {
			c.log.WithField("key", key).Debug("Cache miss (expired)")
			return nil, false
		}
	}

	c.log.WithField("key", key).Debug("Cache hit")
	return e.value, true
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Flush removes all entries.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.items = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Debug("Starting cache sweep loop")
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			c.log.Debug("Stopping cache sweep loop")
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	if removed > 0 {
		c.log.WithField("count", removed).Debug("Swept expired cache entries")
	}
}
