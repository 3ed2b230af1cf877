package activity

import (
	"sync"
	"time"
)

// Entry is one pipeline decision kept for operators.
type Entry struct {
	Time       time.Time `json:"time"`
	Vendor     string    `json:"vendor,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	Action     string    `json:"action"`
	IncidentID string    `json:"incident_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type Store struct {
	mu    sync.RWMutex
	buf   []Entry
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(e Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, e)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = e
}

// List returns the most recent limit entries, oldest first.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Entry, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.buf {
		if !e.Time.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
