// Package gateway implements the HTTP and WebSocket front door: it
// authenticates requests, dispatches WebSocket upgrades to the right
// UserHub or the PendingHub, serves the dashboard JSON API, and hosts
// the HTTP proxy adapter.
package gateway

import (
	"context"
	"database/sql"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/config"
	"github.com/orchestration-gateway/gateway/internal/pendinghub"
	"github.com/orchestration-gateway/gateway/internal/store"
	"github.com/orchestration-gateway/gateway/internal/userhub"
)

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	users       *store.Users
	sessions    *store.Sessions
	tokens      *store.Tokens
	clientsRepo *store.Clients

	hubs    *userhub.Registry
	pending *pendinghub.Hub

	claimLimiter *perIPLimiter

	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server
}

// New wires repositories over db and constructs the router. hubs and
// pending are already running (see cmd/gateway).
func New(cfg *config.Config, log zerolog.Logger, db *sql.DB, hubs *userhub.Registry, pending *pendinghub.Hub) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log.With().Str("component", "gateway").Logger(),
		users:        store.NewUsers(db),
		sessions:     store.NewSessions(db, cfg.SessionDuration),
		tokens:       store.NewTokens(db),
		clientsRepo:  store.NewClients(db),
		hubs:         hubs,
		pending:      pending,
		claimLimiter: newPerIPLimiter(cfg.ClaimRateLimit, cfg.ClaimRateBurst),
	}
	s.wsUpgrader = &websocket.Upgrader{
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
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)

	// WebSocket upgrades: dispatch on query parameters per §4.3.
	r.Get("/ws/connect", s.handleWSConnect)
	r.Get("/ws/pending", s.handleWSPending)

	// The HTTP proxy adapter resolves its own auth per request (session,
	// or the public-asset/client_id fallback), so it sits outside the
	// session-required group.
	r.Handle("/clients/{id}/proxy", http.HandlerFunc(s.handleProxy))
	r.Handle("/clients/{id}/proxy/*", http.HandlerFunc(s.handleProxy))

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/clients", s.handleListClients)
		r.Get("/clients/{id}", s.handleClientDetails)
		r.Get("/clients/{id}/details", s.handleClientDetails)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.requireCSRF)

			r.Post("/clients/{id}/disconnect", s.handleDisconnectClient)

			r.Route("/tokens", func(r chi.Router) {
				r.Get("/", s.handleListTokens)
				r.Post("/", s.handleCreateToken)
				r.Post("/{id}/revoke", s.handleRevokeToken)
				r.Delete("/{id}", s.handleDeleteToken)
			})

			r.Route("/pending", func(r chi.Router) {
				r.Get("/", s.handleListPending)
				r.Post("/{pendingID}/claim", s.handleClaimPending)
			})
		})
	})

	s.router = r
}

// Router exposes the underlying handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// securityHeaders adds the same defensive header set the dashboard
// served HTML with; a JSON/WebSocket API still benefits from it.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin validates the Origin header against the configured
// allow-list for WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		s.log.Warn().Str("origin", origin).Msg("rejected websocket: invalid origin")
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn().Str("origin", originURL.String()).Msg("rejected websocket: origin not allowed")
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts serving on cfg.ListenAddr.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting gateway server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server. Hub lifecycles are owned
// by cmd/gateway, not the Server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
