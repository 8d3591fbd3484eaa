package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/audit"
	"github.com/secrethub/secrethub/pkg/cluster"
	"github.com/secrethub/secrethub/pkg/lease"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/seal"
	"github.com/secrethub/secrethub/pkg/secrets"
	"github.com/secrethub/secrethub/pkg/storage"
)

// Version is stamped by the build; the default marks local builds.
var Version = "dev"

// Deps carries the wired subsystems the HTTP surface exposes. Coordinator,
// Leases and Rotation may be nil in single-node or tooling setups; the
// corresponding routes then answer 503.
type Deps struct {
	Store       storage.Store
	Seal        *seal.Service
	Coordinator *cluster.Coordinator
	Audit       *audit.Writer
	Evaluator   *policy.Evaluator
	Secrets     *secrets.Manager
	Leases      *lease.Manager
	Rotation    *lease.Runner
}

// Server is the REST surface of a node: the seal/cluster system endpoints
// plus the admin API for secrets, policies, audit and leases.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Entity-ID", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/sys", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Post("/unseal", s.handleUnseal)
		r.Post("/seal", s.handleSeal)
		r.Get("/seal-status", s.handleSealStatus)
		r.Get("/health", s.handleHealth)
	})
	r.Get("/cluster/info", s.handleClusterInfo)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", s.handleCreateSecret)
			r.Get("/", s.handleListSecrets)
			r.Get("/stats", s.handleSecretStats)
			r.Get("/{id}", s.handleGetSecret)
			r.Put("/{id}", s.handleUpdateSecret)
			r.Delete("/{id}", s.handleDeleteSecret)
			r.Get("/{id}/versions", s.handleListVersions)
			r.Post("/{id}/rollback", s.handleRollback)
			r.Get("/{id}/compare", s.handleCompareVersions)
			r.Post("/{id}/prune", s.handlePruneVersions)
			r.Post("/{id}/rotate", s.handleRotate)
			r.Post("/{id}/rotate/rollback", s.handleRotateRollback)
			r.Get("/{id}/rotations", s.handleRotationHistory)
		})
		r.Get("/data/{path}", s.handleReadData)

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicy)
			r.Get("/", s.handleListPolicies)
			r.Get("/{id}", s.handleGetPolicy)
			r.Put("/{id}", s.handleUpdatePolicy)
			r.Delete("/{id}", s.handleDeletePolicy)
			r.Post("/{id}/simulate", s.handleSimulatePolicy)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", s.handleAuditEvents)
			r.Post("/verify", s.handleAuditVerify)
			r.Get("/export", s.handleAuditExport)
		})

		r.Route("/leases", func(r chi.Router) {
			r.Post("/", s.handleIssueLease)
			r.Get("/{id}", s.handleGetLease)
			r.Post("/{id}/renew", s.handleRenewLease)
			r.Delete("/{id}", s.handleRevokeLease)
		})
	})

	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
