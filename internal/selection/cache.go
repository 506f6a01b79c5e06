package selection

import (
	"sort"
	"sync"
)

const (
	KeySelectedServer = "selectedServerConfigId"
	KeySelectedRoom   = "selectedRoomId"
)

// Cache is a small key-value store for the locally selected server and
// room. Watchers run synchronously on the goroutine calling Set, after the
// value is stored.
type Cache struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int64]func(key, value string)
	nextID   int64
}

func New() *Cache {
	return &Cache{
		values:   make(map[string]string),
		watchers: make(map[int64]func(key, value string)),
	}
}

func (c *Cache) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// Set stores value and notifies watchers when it changed. An empty value
// clears the key.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	if c.values[key] == value {
		c.mu.Unlock()
		return
	}
	if value == "" {
		delete(c.values, key)
	} else {
		c.values[key] = value
	}
	ids := make([]int64, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(key, value string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.watchers[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
}

func (c *Cache) Watch(fn func(key, value string)) (stop func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}
