// Package cache provides the read-through/write-through TTL key-value
// surface the scheduling core depends on. Staleness is bounded by TTL;
// callers invalidate synchronously only on explicit edits.
package cache

import (
	"strings"
	"sync"
	"time"
)

type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	// DeletePattern removes every key with the given prefix.
	DeletePattern(prefix string)
}

type entry struct {
	value any
	until time.Time // zero means no expiry
}

// Memory is an in-process Cache with lazy expiry plus a periodic janitor.
type Memory struct {
	mu sync.RWMutex
	m  map[string]entry

	stop chan struct{}
	once sync.Once
}

// NewMemory creates a memory cache. janitorEvery <= 0 disables the sweep;
// expired entries are then only dropped on read.
func NewMemory(janitorEvery time.Duration) *Memory {
	c := &Memory{m: map[string]entry{}, stop: make(chan struct{})}
	if janitorEvery > 0 {
		go c.janitor(janitorEvery)
	}
	return c
}

func (c *Memory) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.until.IsZero() && time.Now().After(e.until) {
		c.mu.Lock()
		// Re-check under the write lock; a Set may have raced.
		if cur, ok := c.m[key]; ok && cur.until.Equal(e.until) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *Memory) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.until = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = e
	c.mu.Unlock()
}

func (c *Memory) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *Memory) DeletePattern(prefix string) {
	c.mu.Lock()
	for k := range c.m {
		if strings.HasPrefix(k, prefix) {
			delete(c.m, k)
		}
	}
	c.mu.Unlock()
}

func (c *Memory) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Memory) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.mu.Lock()
			for k, e := range c.m {
				if !e.until.IsZero() && now.After(e.until) {
					delete(c.m, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
