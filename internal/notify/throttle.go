package notify

import (
	"sync"
	"time"
)

// Throttle keeps per-key hold-off deadlines.
type Throttle struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{until: make(map[string]time.Time), now: time.Now}
}

func (t *Throttle) Blocked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.until[key]
	if !ok {
		return false
	}
	if !t.now().Before(deadline) {
		delete(t.until, key)
		return false
	}
	return true
}

func (t *Throttle) Hold(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.until[key] = t.now().Add(d)
	t.mu.Unlock()
}

func (t *Throttle) Release(key string) {
	t.mu.Lock()
	delete(t.until, key)
	t.mu.Unlock()
}
