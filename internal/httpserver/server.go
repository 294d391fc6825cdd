package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/mcprouter/internal/auth"
	"github.com/wisbric/mcprouter/internal/config"
	"github.com/wisbric/mcprouter/internal/eventhub"
	"github.com/wisbric/mcprouter/internal/rpc"
	"github.com/wisbric/mcprouter/internal/store"
)

// Dispatcher is the subset of *router.Router the HTTP surface depends on,
// kept as an interface so this package doesn't import router directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *rpc.Request, reqBytes int) *rpc.Response
}

// AuditLogger is the subset of *audit.Writer the admin surface depends on,
// kept as an interface so this package doesn't import audit (which itself
// imports httpserver for its own response helpers) and form a cycle.
type AuditLogger interface {
	LogFromRequest(r *http.Request, actor, action, resource, resourceID string, detail json.RawMessage)
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Redis  *redis.Client

	dispatcher  Dispatcher
	hub         *eventhub.Hub
	store       *store.Store
	auditLogger AuditLogger
}

// NewServer wires middleware, health/metrics endpoints, the bearer-gated
// /mcp dispatch and streaming endpoints, and the admin CRUD surface.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, dispatcher Dispatcher, hub *eventhub.Hub, st *store.Store, limiter *auth.RateLimiter, auditLogger AuditLogger, auditRoutes http.Handler) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Logger:      logger,
		DB:          db,
		Redis:       rdb,
		dispatcher:  dispatcher,
		hub:         hub,
		store:       st,
		auditLogger: auditLogger,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	gate := auth.BearerGate(cfg.Bearer, limiter, logger)

	s.Router.Group(func(r chi.Router) {
		r.Use(gate)
		r.Post("/mcp", s.handleDispatch)
		r.Get("/mcp/stream", s.handleStream)
		r.Route("/api", s.mountAdmin)
		if auditRoutes != nil {
			r.Mount("/api/audit", auditRoutes)
		}
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, r, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, r, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleDispatch is the single JSON-RPC entry point: every initialize,
// list, get, read, and tools/call request lands here and is handed to the
// router core verbatim.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		Respond(w, http.StatusOK, rpc.InvalidParams(nil, "malformed JSON-RPC envelope: "+err.Error()))
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), &req, len(body))
	Respond(w, http.StatusOK, resp)
}
