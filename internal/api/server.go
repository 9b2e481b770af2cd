// Package api exposes the orchestrator to a local UI shell over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/blelock/internal/audit"
	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/unlock"
)

const (
	maxRequestBodySize = 64 << 10
	defaultScanTimeout = 5 * time.Second
	maxScanTimeout     = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Unlocker runs attempts. *unlock.Orchestrator implements it.
type Unlocker interface {
	RequestUnlock(ctx context.Context, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) unlock.Result
	RequestLock(ctx context.Context, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) unlock.Result
	Cancel(mac ble.MAC) bool
	Active() []ble.MAC
}

// HistoryStore reads the attempt journal. *audit.SQLiteStore implements it.
type HistoryStore interface {
	History(ctx context.Context, mac ble.MAC, limit int) ([]audit.Entry, error)
}

// Scanner lists nearby locks. *ble.Transport implements it.
type Scanner interface {
	ScanForLocks(ctx context.Context, timeout time.Duration) ([]ble.Device, error)
}

// Deps are the server's collaborators. History and Scanner may be nil, in
// which case their endpoints answer 503.
type Deps struct {
	Unlocker Unlocker
	History  HistoryStore
	Scanner  Scanner
}

// Server is the local HTTP API.
type Server struct {
	deps    Deps
	addr    string
	version string
	log     *slog.Logger
}

// NewServer creates a server that will listen on addr.
func NewServer(addr, version string, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{deps: deps, addr: addr, version: version, log: log}
}

// Handler returns the router with every route and middleware installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(bodySizeLimit)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/scan", s.handleScan)
		r.Route("/locks/{mac}", func(r chi.Router) {
			r.Post("/unlock", s.handleUnlock)
			r.Post("/lock", s.handleLock)
			r.Delete("/attempt", s.handleCancel)
			r.Get("/history", s.handleHistory)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// ready, if non-nil, is called once the listener is accepting.
func (s *Server) ListenAndServe(ctx context.Context, ready func()) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("[API] Listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// loggingMiddleware logs each request with method, path, status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("[API] Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func bodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"active_attempts": len(s.deps.Unlocker.Active()),
	})
}
