package counter

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the fixed interval after which every client count is reset.
const DefaultWindow = 60 * time.Second

// Store holds per-client request counts for the current window.
//
// All clients share one window: Reset zeroes every count at once rather than
// tracking a sliding window per client. Counters are created on first use and
// never removed.
type Store struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewStore creates an empty counter store
func NewStore() *Store {
	return &Store{
		counts: make(map[string]int),
	}
}

// Increment adds one to the count for key and returns the new value
func (s *Store) Increment(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[key]++
	return s.counts[key]
}

// Count returns the current count for key (zero if never seen)
func (s *Store) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[key]
}

// Reset zeroes the count of every tracked client. Keys are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.counts {
		s.counts[key] = 0
	}
}

// Len returns the number of clients observed since startup
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.counts)
}

// Run resets the store every interval until ctx is cancelled.
// It blocks, so callers normally start it in its own goroutine.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWindow
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reset()
		}
	}
}
