// Package httpstatus serves the pipeline's status/health HTTP surface: a
// liveness probe, a JSON stats snapshot, a Prometheus /metrics endpoint,
// and a JWT-guarded admin endpoint for manually resetting one partition's
// checkpoint. Grounded on the teacher's ai-infra/internal/httpserver.Server
// (chi.NewRouter, middleware.RequestID/RealIP/Recoverer/Timeout,
// respondJSON/respondError/decodeJSON helpers, a dedicated auth middleware
// gating one route group) and kernel/internal/auth.NewMiddleware's
// Bearer-token extraction shape, generalized from that package's
// mTLS/OIDC/JWKS machinery to a single shared-secret HS256 admin token
// (golang-jwt/jwt/v5), since this pipeline has exactly one operator-facing
// admin action rather than a multi-tenant RBAC surface.
package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/model"
	"github.com/evsnow/ingest/internal/orchestrator"
	"github.com/evsnow/ingest/internal/retry"
	"github.com/evsnow/ingest/internal/telemetry"
)

// Orchestrator is the subset of *orchestrator.Orchestrator this server
// reads from; named narrowly so tests can supply a fake.
type Orchestrator interface {
	Stats() orchestrator.Stats
	Health() orchestrator.Health
}

// Server wires the orchestrator's stats/health, the telemetry metrics
// registry, and the checkpoint store's admin-reset path into one chi
// router.
type Server struct {
	orch        Orchestrator
	store       checkpoint.Store
	metrics     *telemetry.Metrics
	retryer     retry.Retryer
	adminSecret []byte
}

// New constructs a Server. adminSecret gates the admin checkpoint-reset
// route; an empty secret disables that route entirely (returns 404 for
// anyone who tries it) rather than accepting an unsigned token. retryer may
// be nil, in which case the retry-engine gauges are simply never set.
func New(orch Orchestrator, store checkpoint.Store, metrics *telemetry.Metrics, retryer retry.Retryer, adminSecret string) *Server {
	return &Server{orch: orch, store: store, metrics: metrics, retryer: retryer, adminSecret: []byte(adminSecret)}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	if s.metrics != nil {
		r.Handle("/metrics", s.metricsHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/checkpoints/{partition}/reset", s.handleResetCheckpoint)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.orch.Health()
	status := http.StatusOK
	if !h.Running || len(h.Errors) > 0 {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Stats())
}

// metricsHandler refreshes the prometheus gauges from the orchestrator's
// and retry engine's own snapshots on every scrape, then delegates to
// promhttp — pull-based, so a gauge is never stale longer than one scrape
// interval and there is no separate background updater goroutine to leak.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.ObserveMappings(s.orch.Stats().Mappings)
		if s.retryer != nil {
			s.metrics.ObserveRetry(s.retryer.Stats())
		}
		inner.ServeHTTP(w, r)
	})
}

// adminAuth rejects any request without a valid HS256 bearer token signed
// with adminSecret. An empty adminSecret disables the route rather than
// accepting an unsigned/empty-secret token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminSecret) == 0 {
			http.NotFound(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		raw := strings.TrimSpace(authz[len("Bearer "):])
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return s.adminSecret, nil
		})
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid admin token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type resetCheckpointRequest struct {
	SourceNamespace string `json:"source_namespace"`
	SourceName      string `json:"source_name"`
	TargetDB        string `json:"target_db"`
	TargetSchema    string `json:"target_schema"`
	TargetTable     string `json:"target_table"`
	Waterlevel      int64  `json:"waterlevel"`
}

// handleResetCheckpoint forces one partition's checkpoint to an operator-
// supplied waterlevel, for manual recovery after a poison-pill event or a
// dead-letter replay. Reuses the store's own idempotent Upsert rather than
// a dedicated reset query.
func (s *Server) handleResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")

	var req resetCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.Body.Close()

	key := model.CheckpointKey{
		SourceNamespace: req.SourceNamespace,
		SourceName:      req.SourceName,
		TargetDB:        req.TargetDB,
		TargetSchema:    req.TargetSchema,
		TargetTable:     req.TargetTable,
		PartitionID:     partition,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.store.Upsert(ctx, model.Checkpoint{Key: key, Waterlevel: req.Waterlevel}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"partition": partition, "waterlevel": req.Waterlevel})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
