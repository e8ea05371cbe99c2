/**
 * CONTEXT:   Loopback-only HTTP health/metrics endpoint for shepherdd
 * INPUT:     Status snapshots pushed by the service loop at startup and on every tick
 * OUTPUT:    GET /healthz and GET /metrics for local monitoring tooling
 * BUSINESS:  An ops-facing read surface, never a control surface (spec.md §1 keeps launch/stop IPC-only)
 * CHANGE:    Initial implementation
 * RISK:      Low - read-only, loopback-bound; a bug here cannot affect session supervision
 */

// Package healthhttp serves a small operator-facing HTTP surface bound to
// loopback only, grounded on internal/daemon/orchestrator.go's router and
// middleware assembly in the teacher repo. It never accepts a write: the
// control plane is the Unix socket in internal/ipc, not this listener.
package healthhttp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/parentkiosk/shepherdd/internal/logging"
)

// Status is the snapshot the service loop pushes into the server once at
// startup and then on every tick, so session starts/ends and policy
// reloads show up within one tick interval. It is read concurrently by
// HTTP handler goroutines, hence the atomic.Pointer wrapping in Server.
type Status struct {
	Healthy        bool      `json:"healthy"`
	StartedAt      time.Time `json:"started_at"`
	ActiveSessions int       `json:"active_sessions"`
	PolicyEntries  int       `json:"policy_entries"`
	AuditSeq       int64     `json:"audit_seq"`
	StoreHealthy   bool      `json:"store_healthy"`
}

// Server is a loopback-bound HTTP listener exposing /healthz and
// /metrics. Unlike internal/ipc.Server, it holds no command channel: it
// only ever renders whatever Status was last pushed to it.
type Server struct {
	addr   string
	logger logging.Logger

	status   atomic.Pointer[Status]
	router   *mux.Router
	listener net.Listener
	srv      *http.Server
}

// New builds a Server bound to addr, which must resolve to a loopback
// address (127.0.0.1:PORT or [::1]:PORT) — shepherdd never exposes this
// surface beyond the local host.
func New(addr string, logger logging.Logger) *Server {
	s := &Server{addr: addr, logger: logger}
	s.status.Store(&Status{})
	s.router = mux.NewRouter()
	s.router.Use(s.recoveryMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return s
}

// Update replaces the status snapshot returned by /healthz and /metrics.
// Safe to call from the service loop's goroutine while handlers run
// concurrently on others.
func (s *Server) Update(status Status) {
	s.status.Store(&status)
}

// Listen binds the loopback socket. Call before Serve.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("healthhttp: listen on %s: %w", s.addr, err)
	}
	s.listener = l
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return nil
}

// Serve blocks accepting requests until Close is called, matching
// net/http.Server's ErrServerClosed convention for a clean shutdown.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("healthhttp: panic serving request", "panic", rec, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.status.Load()

	code := http.StatusOK
	if !status.Healthy || !status.StoreHealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Status
		UptimeSecs int64 `json:"uptime_secs"`
	}{
		Status:     *status,
		UptimeSecs: int64(time.Since(status.StartedAt).Seconds()),
	})
}

// handleMetrics renders a Prometheus-compatible text exposition of the
// same fields /healthz reports. Hand-rolled rather than pulling in
// client_golang: five gauges don't justify that dependency, and nothing
// else in this repo needs a metrics registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	status := s.status.Load()
	uptime := time.Since(status.StartedAt).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "shepherdd_uptime_seconds %f\n", uptime)
	fmt.Fprintf(w, "shepherdd_active_sessions %d\n", status.ActiveSessions)
	fmt.Fprintf(w, "shepherdd_policy_entries %d\n", status.PolicyEntries)
	fmt.Fprintf(w, "shepherdd_audit_seq %d\n", status.AuditSeq)
	fmt.Fprintf(w, "shepherdd_store_healthy %d\n", boolToInt(status.StoreHealthy))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
