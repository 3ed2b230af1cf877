package guard

import (
	"context"
	"sync"
	"time"
)

// RateLimiter consumes one unit for key and reports whether the request may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a per-key sliding window log held in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	keys    map[string]*slidingLog
	now     func() time.Time
	sweepAt int
}

type slidingLog struct {
	hits []time.Time
	head int
}

func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		window:  window,
		max:     max,
		keys:    make(map[string]*slidingLog),
		now:     time.Now,
		sweepAt: 10000,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}
	now := l.now()
	cutoff := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.keys[key]
	if !ok {
		log = &slidingLog{hits: make([]time.Time, 0, 8)}
		l.keys[key] = log
		if len(l.keys) > l.sweepAt {
			l.sweep(cutoff)
		}
	}
	log.evict(cutoff)
	if log.len() >= l.max {
		return false, nil
	}
	log.hits = append(log.hits, now)
	return true, nil
}

func (s *slidingLog) len() int {
	return len(s.hits) - s.head
}

func (s *slidingLog) evict(cutoff time.Time) {
	for s.head < len(s.hits) {
		if s.hits[s.head].After(cutoff) {
			break
		}
		s.head++
	}
	if s.head > 0 && s.head*2 >= len(s.hits) {
		s.hits = append([]time.Time{}, s.hits[s.head:]...)
		s.head = 0
	}
}

func (l *MemoryLimiter) sweep(cutoff time.Time) {
	for k, log := range l.keys {
		log.evict(cutoff)
		if log.len() == 0 {
			delete(l.keys, k)
		}
	}
}
