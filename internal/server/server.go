package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"alerthook/internal/alert"
	"alerthook/internal/config"
	"alerthook/internal/console"
	"alerthook/internal/counter"
	"alerthook/internal/guard"
	"alerthook/internal/history"

	"github.com/go-chi/chi/v5"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// ShutdownTimeout bounds how long in-flight requests may take to drain
	ShutdownTimeout = 10 * time.Second
)

// Dispatcher receives every accepted payload. Implementations must not block.
type Dispatcher interface {
	Dispatch(p *alert.Payload) bool
	Wait()
}

// Server represents the HTTP server
type Server struct {
	Config   *config.Config
	Counters *counter.Store
	Stats    *counter.Stats
	Sound    Dispatcher
	History  *history.History // nil disables the alert journal
	Console  *console.Printer
	Logger   *slog.Logger

	// Window is the rate-limit reset interval
	Window time.Duration
}

// NewServer creates a new server instance. hist may be nil.
func NewServer(cfg *config.Config, sound Dispatcher, hist *history.History, printer *console.Printer, logger *slog.Logger) *Server {
	if printer == nil {
		printer = console.Discard()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Config:   cfg,
		Counters: counter.NewStore(),
		Stats:    counter.NewStats(time.Now()),
		Sound:    sound,
		History:  hist,
		Console:  printer,
		Logger:   logger,
		Window:   counter.DefaultWindow,
	}
}

// IngestChain returns the guards applied to the ingestion route, in order
func (s *Server) IngestChain() *guard.Chain {
	return guard.NewChain(s.Logger,
		guard.NewAllowList(s.Config.AllowedIPs, s.Logger),
		guard.NewRateLimit(s.Counters, s.Stats, s.Config.RateLimit, s.Logger),
		guard.NewTokenAuth(s.Config.AuthToken, s.Logger),
		guard.NewPayloadValidator(s.Config.BodyLimit, s.Logger),
	)
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware. The request id comes first so that every response,
	// including rejections and recovered panics, carries X-Request-ID.
	r.Use(s.requestContext)
	r.Use(s.logRequests)
	r.Use(s.recoverer)
	r.Use(guard.NewChain(s.Logger, guard.CORS{}).Middleware)

	// Routes
	r.Get("/health", s.HandleHealth)
	r.Get("/stats", s.HandleStats)
	r.With(s.IngestChain().Middleware).Post("/test", s.HandleIngest)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})

	return r
}

// ListenAndServe binds the configured address and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Config.Addr()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests and running players before returning. The rate-limit window
// reset runs for as long as Serve does.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.Counters.Run(ctx, s.Window)

	server := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.Logger.Handler(), slog.LevelWarn),
	}

	s.Logger.Info("Starting server", "addr", ln.Addr().String(), "rate_limit", s.Config.RateLimit, "window", s.Window.String())
	s.Console.Listening("http://" + ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	return s.drain(shutdownCtx, server)
}

// drain stops server and then releases the players and the journal. The
// second step runs even when requests did not finish in time.
func (s *Server) drain(ctx context.Context, server *http.Server) error {
	var serverErr error
	if err := server.Shutdown(ctx); err != nil {
		s.Logger.Error("Graceful shutdown failed", "error", err)
		serverErr = fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return errors.Join(serverErr, s.Shutdown(ctx))
}

// Shutdown waits for running sound players and closes the alert journal
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Sound != nil {
		done := make(chan struct{})
		go func() {
			s.Sound.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			s.Logger.Warn("Timed out waiting for sound players")
		}
	}

	if s.History != nil {
		return s.History.Close()
	}
	return nil
}
