package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"habitd/internal/core"
	"habitd/internal/hub"
	"habitd/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	hub        *hub.Hub
	sweeper    *core.Sweeper
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	userID     string
}

// NewServer constructs the HTTP API server. userID is the identity the auth
// layer resolves the static bearer token to.
func NewServer(addr, authToken, userID string, st *store.Store, h *hub.Hub, sweeper *core.Sweeper, logger *slog.Logger, location *time.Location) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     st,
		hub:       h,
		sweeper:   sweeper,
		logger:    logger,
		location:  location,
		authToken: authToken,
		userID:    userID,
	}
	s.registerRoutes()

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: the event stream holds its response
		// open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = httpServer
	return s, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/rollover", s.handleRollover)

				r.Route("/completions/{day}", func(r chi.Router) {
					r.Get("/", s.handleGetCompletion)
					r.Put("/", s.handleUpsertCompletion)
					r.Delete("/", s.handleClearCompletion)
				})
			})
		})

		r.Post("/completions/batch", s.handleBatchCompletions)
		r.Get("/due", s.handleDue)
		r.Get("/events", s.handleEvents)
		r.Post("/sync/complete", s.handleSyncComplete)
		r.Post("/sweep", s.handleSweep)
	})
}

// notify fans a change event out to every other live connection for the
// requesting user. The originating client, identified by its client id, never
// receives its own echo.
func (s *Server) notify(r *http.Request, evt core.Event) {
	s.hub.Broadcast(s.userID, evt, clientID(r))
}
