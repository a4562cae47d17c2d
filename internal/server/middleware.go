package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"alerthook/internal/guard"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request identifier on every response
const RequestIDHeader = "X-Request-ID"

// newRequestID returns the first 8 hex characters of a random UUID
func newRequestID() string {
	return uuid.NewString()[:8]
}

// requestContext creates the RequestContext shared by the guards and sets
// the request id header before anything else writes a response
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &guard.RequestContext{
			ID:        newRequestID(),
			ClientKey: guard.ResolveClientKey(r, s.Config.TrustProxy),
		}
		w.Header().Set(RequestIDHeader, rc.ID)

		next.ServeHTTP(w, r.WithContext(guard.WithRequestContext(r.Context(), rc)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		s.Console.Request(start, r.Method, r.URL.RequestURI())

		defer func() {
			rc := guard.FromContext(r.Context())
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if rc != nil {
				attrs = append(attrs, "request_id", rc.ID, "client", rc.ClientKey)
			}
			s.Logger.Info("http_request", attrs...)
		}()

		next.ServeHTTP(ww, r)
	})
}

// recoverer turns a handler panic into 400 {"error":"Bad request"}
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			s.Logger.Error("Recovered from handler panic",
				"panic", rvr,
				"path", r.URL.Path,
				"request_id", guard.RequestID(r.Context()),
				"stack", string(debug.Stack()))
			s.Console.Error("Request failed", fmt.Errorf("%v", rvr))

			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		}()

		next.ServeHTTP(w, r)
	})
}
