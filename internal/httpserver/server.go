// internal/httpserver/server.go
//
// HTTP server wiring for the numguess backend.
// Responsibilities:
//   - Router + middleware (JSON, CORS, timeouts, panic recovery, request IDs, access log).
//   - Public endpoints: "/", "/health", "/metrics".
//   - Session endpoints (optional auth): /sessions/*, including the WebSocket channel.
//   - Auth + profile/stat endpoints: /auth/*, /stats/me, /rounds/*.
//
// Notes:
//   - The server is the presentation-side collaborator of the game controller:
//     it owns each session's state and dispatches actions into it.
//   - CORS is origin-aware and credentials-enabled (so cookies work).
//   - Optional auth decorates requests with user context when a valid token is present;
//     routes can still run for guests.

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/config"
	"github.com/robalobadob/numguess/internal/history"
	"github.com/robalobadob/numguess/internal/metrics"
	"github.com/robalobadob/numguess/internal/store"
)

// Options carries the server's collaborators. History and Metrics are optional.
type Options struct {
	Config  config.Config
	Store   store.Store
	History *history.Store
	Metrics *metrics.Metrics
}

// Server bundles router, session store, round ledger and metrics.
type Server struct {
	r        *chi.Mux
	cfg      config.Config
	store    store.Store
	hist     *history.Store
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	http     *http.Server
}

// New constructs a Server, installs middleware, and registers routes.
func New(opts Options) *Server {
	s := &Server{
		r:       chi.NewRouter(),
		cfg:     opts.Config,
		store:   opts.Store,
		hist:    opts.History,
		metrics: opts.Metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// --- middleware ---
	s.r.Use(chimw.RequestID) // add X-Request-ID
	s.r.Use(chimw.RealIP)    // set RemoteAddr from X-Forwarded-For etc.
	s.r.Use(hlog.NewHandler(log.Logger))
	s.r.Use(hlog.AccessHandler(accessLog))
	s.r.Use(chimw.Recoverer) // recover from panics
	s.r.Use(s.cors)          // credentials-friendly CORS

	// Sessions: OPTIONAL AUTH (guests can play). Timeouts are applied per
	// route inside: the WebSocket outlives any request deadline.
	s.r.With(s.withOptionalAuth()).Route("/sessions", s.mountSessions)

	s.r.Group(func(r chi.Router) {
		r.Use(bounded...)

		// --- diagnostics ---
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"service":"numguess-go","endpoints":["/health","POST /sessions","POST /sessions/{id}/actions","GET /sessions/{id}/ws","/auth/*"]}`))
		})
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		})

		// Auth + profile/stats
		s.mountAuthRoutes(r)
	})

	// JSON 404 for easier debugging
	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "not_found")
	})

	if s.metrics != nil && s.cfg.MetricsEnabled {
		s.r.Handle("/metrics", s.metrics.Handler())
	}
	return s
}

// Start begins serving HTTP on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the internal router (useful for tests).
func (s *Server) Router() chi.Router { return s.r }

// ----------------------------- middleware ----------------------------------

// bounded is the stack for plain request/response routes.
var bounded = []func(http.Handler) http.Handler{
	chimw.Timeout(10 * time.Second), // bound handler time
	jsonContentType,                 // default JSON responses
}

// jsonContentType sets a default JSON Content-Type header on all responses.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// cors enables credentialed CORS for the configured client origin.
func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.ClientOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, took time.Duration) {
	hlog.FromRequest(r).Info().
		Str("req_id", chimw.GetReqID(r.Context())).
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("took", took).
		Msg("request")
}

// ------------------------------- helpers -----------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
