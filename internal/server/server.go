package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/auth"
	"github.com/bceverly/sysmanage-sub000/internal/config"
	"github.com/bceverly/sysmanage-sub000/internal/configpush"
	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// Deps carries the collaborators the HTTP server wires together.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Queue      *queue.Queue
	Hub        *Hub
	Auth       *auth.Service
	ConfigPush *configpush.Manager
	Kick       func() // wakes the queue processor
}

// Server is the HTTP and WebSocket front of the control plane.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	st       *store.Store
	q        *queue.Queue
	hub      *Hub
	auth     *auth.Service
	config   *configpush.Manager
	kick     func()
	router   *chi.Mux
	upgrader websocket.Upgrader
}

func New(d Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    d.Config,
		log:    log.With().Str("component", "server").Logger(),
		st:     d.Store,
		q:      d.Queue,
		hub:    d.Hub,
		auth:   d.Auth,
		config: d.ConfigPush,
		kick:   d.Kick,
	}
	if s.kick == nil {
		s.kick = func() {}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// Agent-facing endpoints.
	r.Post("/agent/auth", s.handleAgentAuth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/agent/connect", s.handleAgentConnect)

		// Admin REST slice.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/hosts", s.handleListHosts)
			r.Get("/hosts/{hostID}", s.handleGetHost)
			r.Post("/hosts/{hostID}/approve", s.handleApproveHost)
			r.Post("/hosts/{hostID}/revoke", s.handleRevokeHost)
			r.Delete("/hosts/{hostID}", s.handleDeleteHost)
			r.Post("/hosts/{hostID}/commands", s.handleEnqueueCommand)
			r.Get("/hosts/{hostID}/snapshots/{kind}", s.handleGetSnapshot)
			r.Post("/hosts/{hostID}/config", s.handlePushConfig)
			r.Post("/config", s.handlePushConfigFleet)
			r.Post("/agents/ping", s.handlePingAgents)
			r.Get("/results/{resultID}", s.handleGetResult)
			r.Get("/queue/stats", s.handleQueueStats)
			r.Delete("/queue/failed", s.handleDeleteFailed)
			r.Get("/events", s.handleRecentEvents)
		})
	})

	s.router = r
}

// requireAdmin gates the admin API behind the configured bearer token. With
// no token configured the admin API is disabled entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != s.cfg.Server.AdminToken {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check: database unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"agents_connected": s.hub.Count(),
	})
}

// Run serves until the context is cancelled, then closes agent sessions and
// shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.Server.Listen).Msg("server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	if msg, err := protocol.NewMessage(protocol.TypeShutdown, nil); err == nil {
		// Agents that hear this back off before reconnecting instead of
		// hammering the listener while it restarts.
		s.hub.Broadcast(msg)
	}
	s.hub.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// clientIP normalizes a remote address by stripping the port. Behind the
// RealIP middleware RemoteAddr may already be a bare IP with no port at all,
// IPv6 included, so a split failure means the value is used as-is.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
