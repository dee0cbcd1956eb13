// Package api is the agent's control surface: a JSON HTTP API, the GitHub
// webhook receiver and the WebSocket endpoints for events, logs and
// terminals.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/config"
	"github.com/easycicd/easycicd/pkg/deploy"
	"github.com/easycicd/easycicd/pkg/events"
	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/queue"
	"github.com/easycicd/easycicd/pkg/runtime"
	"github.com/easycicd/easycicd/pkg/storage"
)

// Server wires the HTTP routes to the agent's services.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Queue
	deployer *deploy.Deployer
	runtime  runtime.Runtime
	bus      *events.Bus
	logger   zerolog.Logger
	server   *http.Server
	started  time.Time
}

func NewServer(cfg *config.Config, store storage.Store, q *queue.Queue, dep *deploy.Deployer, rt runtime.Runtime, bus *events.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		queue:    q,
		deployer: dep,
		runtime:  rt,
		bus:      bus,
		logger:   log.WithComponent("api"),
		started:  time.Now(),
	}
	s.server = &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)
	r.Use(s.metricsMiddleware)

	r.Post("/webhook/github", s.handleWebhook)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/ws", s.handleEventSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/system/status", s.handleSystemStatus)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.handleListProjects)
				r.Post("/", s.handleCreateProject)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetProject)
					r.Delete("/", s.handleDeleteProject)
					r.Post("/builds", s.handleTriggerBuild)
					r.Post("/rollback/{buildID}", s.handleRollback)
					r.Post("/containers/{action}", s.handleProjectContainerAction)
					r.Get("/runtime-logs", s.handleRuntimeLogs)
				})
			})

			r.Route("/builds", func(r chi.Router) {
				r.Get("/", s.handleListBuilds)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetBuild)
					r.Get("/logs", s.handleBuildLogs)
					r.Get("/build-logs", s.handleBuildOnlyLogs)
					r.Get("/deploy-logs", s.handleDeployLogs)
				})
			})

			r.Route("/containers", func(r chi.Router) {
				r.Get("/", s.handleListContainers)
				r.Post("/", s.handleCreateContainer)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetContainer)
					r.Delete("/", s.handleDeleteContainer)
					r.Post("/{action}", s.handleContainerAction)
					r.Get("/logs", s.handleContainerLogs)
					r.Get("/terminal", s.handleTerminal)
				})
			})
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.server.Addr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
