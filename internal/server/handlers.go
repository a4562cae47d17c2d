package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"alerthook/internal/alert"
	"alerthook/internal/guard"
	"alerthook/internal/history"
)

// HandleIngest acknowledges an alert that passed every guard. Sound and
// journal failures are logged and never change the response.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	payload := guard.PayloadFromContext(r.Context())
	if payload == nil {
		// Only reachable when the route is mounted without the payload guard
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}

	s.Stats.IncAccepted()

	rc := guard.FromContext(r.Context())
	if rc == nil {
		rc = &guard.RequestContext{ClientKey: guard.ResolveClientKey(r, false)}
	}

	s.Logger.Info("Alert received",
		"request_id", rc.ID,
		"client", rc.ClientKey,
		"status", payload.Status,
		"alerts", len(payload.Alerts),
		"summary", payload.Summary())
	s.Console.Alert(rc.ID, payload)

	// The alert is accepted at this point; a client hanging up must not
	// cancel the journal write
	s.recordAlert(context.WithoutCancel(r.Context()), rc, payload)

	if s.Sound != nil {
		s.Sound.Dispatch(payload)
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "received",
	})
}

func (s *Server) recordAlert(ctx context.Context, rc *guard.RequestContext, payload *alert.Payload) {
	if s.History == nil {
		return
	}

	body, err := json.Marshal(payload.Raw)
	if err != nil {
		s.Logger.Error("Failed to encode alert for history", "error", err, "request_id", rc.ID)
		return
	}

	if _, err := s.History.RecordAlert(ctx, &history.AlertRecord{
		RequestID:  rc.ID,
		ClientIP:   rc.ClientKey,
		Status:     payload.Status,
		Summary:    payload.Summary(),
		AlertCount: len(payload.Alerts),
		Body:       string(body),
	}); err != nil {
		s.Logger.Error("Failed to record alert in history", "error", err, "request_id", rc.ID)
	}
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStats reports request statistics at the time of the call
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.Stats.Snapshot(time.Now()))
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
