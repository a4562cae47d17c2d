package counter

import (
	"sync/atomic"
	"time"
)

// Stats holds the process-wide request aggregates.
// Values only grow; they start over when the process restarts.
type Stats struct {
	accepted  atomic.Int64
	blocked   atomic.Int64
	startedAt time.Time
}

// Snapshot is a point-in-time copy of Stats as served by the stats endpoint
type Snapshot struct {
	TotalRequests   int64 `json:"totalRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	UptimeSeconds   int64 `json:"uptimeSeconds"`
}

// NewStats creates a Stats whose uptime is measured from startedAt
func NewStats(startedAt time.Time) *Stats {
	return &Stats{startedAt: startedAt}
}

// IncAccepted records a request that reached the ingestion handler
func (s *Stats) IncAccepted() {
	s.accepted.Add(1)
}

// IncBlocked records a request rejected by the rate limiter
func (s *Stats) IncBlocked() {
	s.blocked.Add(1)
}

// StartedAt returns the time the process started counting
func (s *Stats) StartedAt() time.Time {
	return s.startedAt
}

// Snapshot returns the current values, with uptime measured up to now
func (s *Stats) Snapshot(now time.Time) Snapshot {
	uptime := now.Sub(s.startedAt)
	if uptime < 0 {
		uptime = 0
	}

	return Snapshot{
		TotalRequests:   s.accepted.Load(),
		BlockedRequests: s.blocked.Load(),
		UptimeSeconds:   int64(uptime / time.Second),
	}
}
