package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alerthook/internal/alert"
	"alerthook/internal/config"
	"alerthook/internal/history"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []*alert.Payload
	waited   bool
}

func (d *fakeDispatcher) Dispatch(p *alert.Payload) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return p.Firing()
}

func (d *fakeDispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waited = true
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func setupTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeDispatcher) {
	t.Helper()

	cfg := config.Default()
	cfg.Sound.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := &fakeDispatcher{}

	return NewServer(cfg, dispatcher, nil, nil, logger), dispatcher
}

func postAlert(t *testing.T, h http.Handler, body, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("POST", "/test", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.RateLimit = 1
		c.AllowedIPs = []string{"10.0.0.1"}
	})
	router := server.Router()

	// Traffic, including rejected requests, must not affect health
	for i := 0; i < 3; i++ {
		postAlert(t, router, `{"status":"firing"}`, "10.0.0.2:1234", nil)
		postAlert(t, router, `{"status":"firing"}`, "10.0.0.1:1234", nil)
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}

		response := decodeBody(t, rr)
		if response["status"] != "ok" || len(response) != 1 {
			t.Errorf("Expected {status: ok}, got %v", response)
		}
	}
}

func TestHandleIngest_Valid(t *testing.T) {
	server, dispatcher := setupTestServer(t, nil)

	rr := postAlert(t, server.Router(), `{"status":"firing","alerts":[{"labels":{"alertname":"HighCPU"}}]}`, "10.0.0.1:1234", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	response := decodeBody(t, rr)
	if response["status"] != "ok" || response["message"] != "received" {
		t.Errorf("Expected {status: ok, message: received}, got %v", response)
	}

	if dispatcher.count() != 1 {
		t.Errorf("Expected payload to be dispatched once, got %d", dispatcher.count())
	}

	snap := server.Stats.Snapshot(time.Now())
	if snap.TotalRequests != 1 {
		t.Errorf("Expected 1 accepted request, got %d", snap.TotalRequests)
	}
}

func TestHandleIngest_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"bad status", `{"status":"unknown"}`},
		{"not json", `hello`},
		{"array", `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, dispatcher := setupTestServer(t, nil)

			rr := postAlert(t, server.Router(), tt.body, "10.0.0.1:1234", nil)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rr.Code)
			}
			if response := decodeBody(t, rr); response["error"] == nil {
				t.Errorf("Expected error body, got %v", response)
			}
			if dispatcher.count() != 0 {
				t.Error("Expected rejected payload not to be dispatched")
			}
			if snap := server.Stats.Snapshot(time.Now()); snap.TotalRequests != 0 {
				t.Errorf("Expected no accepted requests, got %d", snap.TotalRequests)
			}
		})
	}
}

func TestHandleIngest_PayloadTooLarge(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.BodyLimit = 64
	})

	body := `{"status":"firing","message":"` + string(bytes.Repeat([]byte("x"), 100)) + `"}`
	rr := postAlert(t, server.Router(), body, "10.0.0.1:1234", nil)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

func TestRateLimit_NPlusOne(t *testing.T) {
	const limit = 3
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.RateLimit = limit
	})
	router := server.Router()

	for i := 1; i <= limit; i++ {
		rr := postAlert(t, router, `{"status":"resolved"}`, "10.0.0.1:1234", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected request %d to succeed, got %d", i, rr.Code)
		}
	}

	rr := postAlert(t, router, `{"status":"resolved"}`, "10.0.0.1:1234", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rr.Code)
	}
	if response := decodeBody(t, rr); response["error"] != "Too many requests" {
		t.Errorf("Expected 'Too many requests' error, got %v", response)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID on rejected response")
	}

	// Another client has its own budget
	if rr := postAlert(t, router, `{"status":"resolved"}`, "10.0.0.9:1234", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected other client to succeed, got %d", rr.Code)
	}

	snap := server.Stats.Snapshot(time.Now())
	if snap.BlockedRequests != 1 {
		t.Errorf("Expected 1 blocked request, got %d", snap.BlockedRequests)
	}
	if snap.TotalRequests != limit+1 {
		t.Errorf("Expected %d accepted requests, got %d", limit+1, snap.TotalRequests)
	}
}

func TestAllowList(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AllowedIPs = []string{"10.0.0.1"}
	})
	router := server.Router()

	rr := postAlert(t, router, `{"status":"firing"}`, "10.0.0.2:1234", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for 10.0.0.2, got %d", rr.Code)
	}

	rr = postAlert(t, router, `{"status":"firing"}`, "10.0.0.1:1234", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for 10.0.0.1, got %d", rr.Code)
	}

	// Allow-list rejections do not touch the counters
	if got := server.Counters.Count("10.0.0.2"); got != 0 {
		t.Errorf("Expected no count for rejected client, got %d", got)
	}
}

func TestAllowList_ForwardedHeaderIgnoredByDefault(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AllowedIPs = []string{"10.0.0.1"}
	})

	rr := postAlert(t, server.Router(), `{"status":"firing"}`, "10.0.0.2:1234",
		map[string]string{"X-Forwarded-For": "10.0.0.1"})
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected spoofed forwarded header to be ignored, got %d", rr.Code)
	}
}

func TestAllowList_TrustProxy(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AllowedIPs = []string{"10.0.0.1"}
		c.TrustProxy = true
	})

	rr := postAlert(t, server.Router(), `{"status":"firing"}`, "127.0.0.1:1234",
		map[string]string{"X-Forwarded-For": "10.0.0.1"})
	if rr.Code != http.StatusOK {
		t.Errorf("Expected forwarded client to be allowed, got %d", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	const token = "f3a9c1e7b2d84a6f9e0c5b7d1a3f8e2c"
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AuthToken = token
	})
	router := server.Router()

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer token", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"x-auth-token", map[string]string{"X-Auth-Token": token}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postAlert(t, router, `{"status":"firing"}`, "10.0.0.1:1234", tt.headers)
			if rr.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestTokenAuth_NotAppliedToHealthAndStats(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AuthToken = "f3a9c1e7b2d84a6f9e0c5b7d1a3f8e2c"
	})
	router := server.Router()

	for _, path := range []string{"/health", "/stats"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("Expected %s to return 200 without a token, got %d", path, rr.Code)
		}
	}
}

func TestHandleStats(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.RateLimit = 1
	})
	router := server.Router()

	postAlert(t, router, `{"status":"firing"}`, "10.0.0.1:1234", nil)
	postAlert(t, router, `{"status":"firing"}`, "10.0.0.1:1234", nil)

	req := httptest.NewRequest("GET", "/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	response := decodeBody(t, rr)
	if response["totalRequests"] != float64(1) {
		t.Errorf("Expected totalRequests 1, got %v", response["totalRequests"])
	}
	if response["blockedRequests"] != float64(1) {
		t.Errorf("Expected blockedRequests 1, got %v", response["blockedRequests"])
	}
	if _, ok := response["uptimeSeconds"]; !ok {
		t.Error("Expected uptimeSeconds in response")
	}
}

func TestRequestID_UniqueOnEveryResponse(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AuthToken = "f3a9c1e7b2d84a6f9e0c5b7d1a3f8e2c"
	})
	router := server.Router()

	requests := []*http.Request{
		httptest.NewRequest("GET", "/health", nil),
		httptest.NewRequest("GET", "/stats", nil),
		httptest.NewRequest("GET", "/nope", nil),
		httptest.NewRequest("OPTIONS", "/test", nil),
		httptest.NewRequest("POST", "/test", bytes.NewReader([]byte(`{"status":"firing"}`))),
	}

	seen := make(map[string]bool)
	for _, req := range requests {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		id := rr.Header().Get(RequestIDHeader)
		if len(id) != 8 {
			t.Errorf("Expected 8-character request id for %s %s, got %q", req.Method, req.URL.Path, id)
		}
		if seen[id] {
			t.Errorf("Expected unique request id, got duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config) {
		c.AuthToken = "f3a9c1e7b2d84a6f9e0c5b7d1a3f8e2c"
		c.AllowedIPs = []string{"10.0.0.1"}
	})
	router := server.Router()

	for _, path := range []string{"/test", "/anything"} {
		req := httptest.NewRequest("OPTIONS", path, nil)
		req.RemoteAddr = "10.0.0.2:1234"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("Expected status 204 for OPTIONS %s, got %d", path, rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("Expected CORS header for OPTIONS %s", path)
		}
	}

	if got := server.Counters.Len(); got != 0 {
		t.Errorf("Expected pre-flight requests not to be rate counted, got %d clients", got)
	}
}

func TestNotFound(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/nope", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header on 404 response")
	}
}

func TestRecoverer_ReturnsBadRequest(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	router := server.Router()
	router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
	if response := decodeBody(t, rr); response["error"] != "Bad request" {
		t.Errorf("Expected 'Bad request' error, got %v", response)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID on recovered response")
	}
}

func TestHandleIngest_RecordsHistory(t *testing.T) {
	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	defer hist.Close()

	server, _ := setupTestServer(t, nil)
	server.History = hist

	rr := postAlert(t, server.Router(), `{"status":"firing","title":"Disk full"}`, "10.0.0.1:1234", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	recent, err := hist.RecentAlerts(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Expected 1 journaled alert, got %d", len(recent))
	}
	if recent[0].Summary != "Disk full" || recent[0].ClientIP != "10.0.0.1" {
		t.Errorf("Unexpected journaled alert: %+v", recent[0])
	}
	if recent[0].RequestID != rr.Header().Get(RequestIDHeader) {
		t.Errorf("Expected journaled request id %q, got %q", rr.Header().Get(RequestIDHeader), recent[0].RequestID)
	}
}

func TestServe_WindowResetAndShutdown(t *testing.T) {
	server, dispatcher := setupTestServer(t, func(c *config.Config) {
		c.RateLimit = 1
	})
	server.Window = 20 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln)
	}()

	url := "http://" + ln.Addr().String() + "/test"
	post := func() int {
		resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(`{"status":"resolved"}`)))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(); code != http.StatusOK {
		t.Fatalf("Expected first request to succeed, got %d", code)
	}

	// Once the window resets the client may send again
	deadline := time.Now().Add(2 * time.Second)
	for {
		if post() == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected counters to reset within the window")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	dispatcher.mu.Lock()
	waited := dispatcher.waited
	dispatcher.mu.Unlock()
	if !waited {
		t.Error("Expected shutdown to wait for the sound dispatcher")
	}
}

func TestHandleIngest_MissingContentType(t *testing.T) {
	server, dispatcher := setupTestServer(t, nil)

	req := httptest.NewRequest("POST", "/test", bytes.NewReader([]byte(`{"status":"firing"}`)))
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without Content-Type, got %d", rr.Code)
	}
	if dispatcher.count() != 0 {
		t.Error("Expected rejected payload not to be dispatched")
	}
}

func TestHandleIngest_JournalsAfterClientCancel(t *testing.T) {
	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	defer hist.Close()

	server, _ := setupTestServer(t, nil)
	server.History = hist

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("POST", "/test", bytes.NewReader([]byte(`{"status":"firing"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:1234"
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	recent, err := hist.RecentAlerts(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("Expected accepted alert to be journaled after the client went away, got %d records", len(recent))
	}
}

func TestRouter_NoRequestDeadline(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	router := server.Router()
	router.Get("/deadline", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/deadline", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected no per-request deadline from the router, got status %d", rr.Code)
	}
}

func TestDrain_ReleasesResourcesWhenRequestsOverrun(t *testing.T) {
	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}

	server, _ := setupTestServer(t, nil)
	server.History = hist

	entered := make(chan struct{})
	var enterOnce sync.Once
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	httpServer := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enterOnce.Do(func() { close(entered) })
		<-release
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go httpServer.Serve(ln)

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Request never reached the handler")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := server.drain(ctx, httpServer); err == nil {
		t.Error("Expected drain to report the stuck request")
	}

	// The journal is closed even though the HTTP shutdown failed
	if _, err := hist.RecentAlerts(context.Background(), "", 1); err == nil {
		t.Error("Expected history to be closed after drain")
	}
}
