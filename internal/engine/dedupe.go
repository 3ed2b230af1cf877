package engine

import (
	"sync"
	"time"
)

// DedupeCache remembers keys for a TTL. The correlator uses it to throttle
// how often duplicate signals are appended to an incident's trail.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

// Seen reports whether key was recorded within ttl of now. A miss records it.
func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) < ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	delete(d.items, key)
	d.mu.Unlock()
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) >= ttl {
			delete(d.items, k)
		}
	}
}
