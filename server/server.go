// Package server exposes the HTTP and WebSocket surface of the daemon:
// manual triggers, runner callbacks, schedule management, and the per-team
// push channel.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/dispatch"
	"github.com/beaconhq/beacond/audit/ingest"
	"github.com/beaconhq/beacond/errors"
	"github.com/beaconhq/beacond/registry"
)

// TeamResolver maps a connection token to the team ids it may subscribe to.
type TeamResolver interface {
	TeamsForToken(token string) ([]string, error)
}

// StaticTeamResolver resolves tokens from a fixed map. Used for single
// tenant deployments and tests; production wiring plugs in the auth layer.
type StaticTeamResolver map[string][]string

func (r StaticTeamResolver) TeamsForToken(token string) ([]string, error) {
	teams, ok := r[token]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "unknown token")
	}
	return teams, nil
}

// Config contains the HTTP server configuration.
type Config struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Server wires the HTTP handlers to the engine components.
type Server struct {
	cfg      Config
	store    *audit.Store
	queue    *dispatch.Queue
	coord    *dispatch.Coordinator
	pipeline *ingest.Pipeline
	registry *registry.Registry
	resolver TeamResolver
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.SugaredLogger
}

// New creates the server. Call Start to begin listening.
func New(ctx context.Context, cfg Config, store *audit.Store, queue *dispatch.Queue, coord *dispatch.Coordinator, pipeline *ingest.Pipeline, reg *registry.Registry, resolver TeamResolver, logger *zap.SugaredLogger) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		coord:    coord,
		pipeline: pipeline,
		registry: reg,
		resolver: resolver,
		ctx:      serverCtx,
		cancel:   cancel,
		logger:   logger.Named("server"),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// routes builds the handler mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/trigger", s.handleTrigger)
	mux.HandleFunc("/api/callback", s.handleCallback)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/api/executions", s.handleExecutions)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.logger.Infow("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

// corsMiddleware allows the dashboard origin to call the API directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
