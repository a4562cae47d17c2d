// Package guard implements the admission checks that run before a request
// reaches the ingestion handler.
//
// A Guard inspects a request and returns a Verdict. A Chain evaluates its
// guards in order and stops at the first one that does not pass, writing that
// guard's response. Guards shipped here:
//   - CORS: permissive headers, answers pre-flight requests with 204
//   - AllowList: 403 for clients outside the configured IP list
//   - RateLimit: 429 once a client exceeds its per-window request budget
//   - TokenAuth: 401 when the bearer token does not match
//   - PayloadValidator: 400 for bodies that are not a valid alert notification
package guard

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Verdict is the outcome of a single guard
type Verdict struct {
	// Pass lets the request continue to the next guard
	Pass bool

	// Status and Body form the response written when Pass is false.
	// A nil Body writes the status with no content.
	Status int
	Body   interface{}
}

// Allow returns a passing verdict
func Allow() Verdict {
	return Verdict{Pass: true}
}

// Reject returns a verdict that ends the request with {"error": message}
func Reject(status int, message string) Verdict {
	return Verdict{Status: status, Body: map[string]string{"error": message}}
}

// Guard is one admission check.
//
// Evaluate may write response headers and may return a derived request (for
// example carrying decoded data in its context); returning nil keeps r.
type Guard interface {
	Name() string
	Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request)
}

// Chain runs guards in a fixed order
type Chain struct {
	guards []Guard
	logger *slog.Logger
}

// NewChain creates a chain that evaluates guards in the given order
func NewChain(logger *slog.Logger, guards ...Guard) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{guards: guards, logger: logger}
}

// Names returns the guard names in evaluation order
func (c *Chain) Names() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name()
	}
	return names
}

// Run evaluates every guard. It returns the (possibly derived) request and
// true when all guards passed; otherwise the rejection has been written to w
// and it returns false.
func (c *Chain) Run(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	for _, g := range c.guards {
		verdict, next := g.Evaluate(w, r)
		if next != nil {
			r = next
		}

		if !verdict.Pass {
			c.logger.Debug("guard stopped request",
				"guard", g.Name(),
				"status", verdict.Status,
				"request_id", RequestID(r.Context()))
			writeVerdict(w, verdict, c.logger)
			return r, false
		}
	}

	return r, true
}

// Middleware mounts the chain in front of next
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := c.Run(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeVerdict(w http.ResponseWriter, v Verdict, logger *slog.Logger) {
	if v.Body == nil {
		w.WriteHeader(v.Status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(v.Status)
	if err := json.NewEncoder(w).Encode(v.Body); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
