// Package api provides the operational HTTP API for the world clock.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/social"
	"github.com/talgya/nationsim/internal/world"
)

// Reader is the read side of the store the API observes.
type Reader interface {
	OpenElections(ctx context.Context) ([]social.Election, error)
	PendingEvents(ctx context.Context, limit int) ([]world.Event, error)
	LatestWakeReport(ctx context.Context) (engine.WakeReport, error)
}

// Server serves scheduler state over HTTP.
type Server struct {
	Sched    *engine.Scheduler
	Runner   *engine.Runner // optional; enables next_wake in status
	Store    Reader
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// Limiter applies to every route. Nil means 10 req/s with bursts of 20.
	Limiter *RateLimiter

	httpServer *http.Server
}

// Handler builds the routed, rate-limited handler.
func (s *Server) Handler() http.Handler {
	if s.Limiter == nil {
		s.Limiter = NewRateLimiter(10, 20)
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events/pending", s.handlePendingEvents)
	mux.HandleFunc("/api/v1/elections/open", s.handleOpenElections)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/resolve", s.adminOnly(s.handleResolve))

	return corsMiddleware(RateLimitMiddleware(s.Limiter, mux))
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no NATIONSIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}

			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	status := map[string]any{
		"holder":          s.Sched.Holder,
		"cycle_day":       s.Sched.CycleDay.String(),
		"election_length": s.Sched.ElectionLength.String(),
	}
	if s.Runner != nil {
		status["schedule"] = s.Runner.Spec
		status["next_wake"] = s.Runner.Next()
	}

	// Prefer this process's last wake; fall back to the shared journal so a
	// fresh instance still reports what the cluster last did.
	if rep, ok := s.Sched.LastReport(); ok {
		status["last_wake"] = rep
	} else if rep, err := s.Store.LatestWakeReport(r.Context()); err == nil {
		status["last_wake"] = rep
	} else if !errors.Is(err, world.ErrNotFound) {
		slog.Warn("status: journal read failed", "error", err)
	}

	writeJSON(w, status)
}

func (s *Server) handlePendingEvents(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := s.Store.PendingEvents(r.Context(), limit)
	if err != nil {
		slog.Error("pending events query failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if events == nil {
		events = []world.Event{}
	}
	writeJSON(w, events)
}

func (s *Server) handleOpenElections(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	elections, err := s.Store.OpenElections(r.Context())
	if err != nil {
		slog.Error("open elections query failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if elections == nil {
		elections = []social.Election{}
	}
	writeJSON(w, elections)
}

// handleResolve closes due elections and resolves due events now.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep := s.Sched.ResolveNow(r.Context())
	slog.Info("manual resolve via API", "events_resolved", rep.EventsResolved, "elections_closed", rep.ElectionsClosed)
	writeJSON(w, rep)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
