// Package server implements the HTTP front end of the alerthook receiver.
//
// This package provides:
//   - the alert ingestion endpoint (POST /test) behind the guard chain
//   - health and statistics endpoints for monitoring
//   - request ids, structured request logging and panic recovery
//   - graceful shutdown that drains requests and running sound players
//
// The server integrates with other packages:
//   - internal/guard: CORS, IP allow-list, rate limit, token and payload checks
//   - internal/counter: per-client window counters and request statistics
//   - internal/sound: fire-and-forget sound playback for firing alerts
//   - internal/history: optional SQLite journal of accepted alerts
//   - internal/console: colour-coded console output
package server
