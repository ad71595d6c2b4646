// Package devserver is a scripted reference backend that speaks the agent's
// REST and duplex chat protocols. It keeps all state in memory.
package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/prdpilot/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Options configures a Server.
type Options struct {
	// Users maps email to password. Nil accepts any non-empty credentials.
	Users map[string]string
	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration
	// TokenDelay paces streamed deltas.
	TokenDelay time.Duration
	// DuplicateEchoes sends every message_sent twice, as an at-least-once
	// backend would.
	DuplicateEchoes bool
	// TurnLimit caps agent, chat and flowchart turns plus idea ingests per
	// user within TurnWindow. Zero disables the limit.
	TurnLimit      int
	TurnWindow     time.Duration
	AllowedOrigins []string
	LogRequests    bool
	Logger         *slog.Logger
}

// Server is the reference backend.
type Server struct {
	opts     Options
	logger   *slog.Logger
	tokens   *tokenStore
	projects *registry
	hub      *Hub
	limiter  *RateLimiter
}

// New creates a server with no users logged in and no projects.
func New(opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TurnWindow <= 0 {
		opts.TurnWindow = time.Minute
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		tokens:   newTokenStore(opts.AccessTTL),
		projects: newRegistry(),
		hub:      NewHub(opts.Logger),
		limiter:  NewRateLimiter(opts.TurnLimit, opts.TurnWindow),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if s.opts.LogRequests {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.CORS(origins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/auth/logout", s.logout)
			r.Post("/agent/ingest-idea", s.ingestIdea)
			r.Post("/agent/projects/{projectID}/clarifications", s.clarifications)
			r.Post("/agent/projects/{projectID}/save-artifacts", s.saveArtifacts)
			r.Get("/projects/{projectID}/versions", s.listVersions)
			r.Post("/projects/{projectID}/rollback", s.rollback)
			r.Get("/projects/{projectID}/artifacts", s.artifacts)
		})
	})

	r.With(s.requireAuth).Get("/ws/chats/{chatID}", s.serveChat)
	return r
}

// ExpireAccessTokens invalidates every issued access token. Refresh
// tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.tokens.expireAll()
}

// DropConnections closes every open chat connection.
func (s *Server) DropConnections() {
	s.hub.CloseAll()
}

// Connections returns the number of open connections on chatID.
func (s *Server) Connections(chatID string) int {
	return s.hub.Count(chatID)
}
