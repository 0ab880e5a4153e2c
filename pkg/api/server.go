package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/cascade"
	"github.com/butlerhq/butler-registry/pkg/dag"
	"github.com/butlerhq/butler-registry/pkg/helmcache"
	"github.com/butlerhq/butler-registry/pkg/ingest"
	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/ratelimit"
	"github.com/butlerhq/butler-registry/pkg/storage"
	"github.com/butlerhq/butler-registry/pkg/store"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	db        *store.DB
	log       *slog.Logger
	ingest    *ingest.Service
	queue     *queue.Queue
	executor  *dag.Executor
	cascader  *cascade.Manager
	evaluator *policy.Evaluator
	blobs     *storage.Factory
	helm      *helmcache.Cache
	auditor   *audit.Recorder

	tokenLimiter ratelimit.Limiter
	ipLimiter    ratelimit.Limiter

	// webhookSecrets maps provider name to its shared secret.
	webhookSecrets map[string]string
	butlerURL      string
}

// Options carries the server dependencies.
type Options struct {
	DB             *store.DB
	Log            *slog.Logger
	Ingest         *ingest.Service
	Queue          *queue.Queue
	Executor       *dag.Executor
	Cascader       *cascade.Manager
	Evaluator      *policy.Evaluator
	Blobs          *storage.Factory
	Helm           *helmcache.Cache
	Auditor        *audit.Recorder
	TokenLimiter   ratelimit.Limiter
	IPLimiter      ratelimit.Limiter
	WebhookSecrets map[string]string
	ButlerURL      string
}

// NewServer builds the HTTP server.
func NewServer(o Options) *Server {
	return &Server{
		db:             o.DB,
		log:            o.Log,
		ingest:         o.Ingest,
		queue:          o.Queue,
		executor:       o.Executor,
		cascader:       o.Cascader,
		evaluator:      o.Evaluator,
		blobs:          o.Blobs,
		helm:           o.Helm,
		auditor:        o.Auditor,
		tokenLimiter:   o.TokenLimiter,
		ipLimiter:      o.IPLimiter,
		webhookSecrets: o.WebhookSecrets,
		butlerURL:      o.ButlerURL,
	}
}

// Handler assembles the route table with the ambient middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Webhook intake: public, signature-gated, per-IP rate limit.
	mux.HandleFunc("POST /webhooks/{provider}", s.limitByIP(s.handleWebhook))

	// Executor callbacks: brce_ token keyed to the run id.
	mux.HandleFunc("PATCH /callbacks/runs/{id}/status", s.handleCallbackStatus)
	mux.HandleFunc("POST /callbacks/runs/{id}/logs", s.handleCallbackLogs)
	mux.HandleFunc("POST /callbacks/runs/{id}/plan", s.handleCallbackPlan)
	mux.HandleFunc("POST /callbacks/runs/{id}/outputs", s.handleCallbackOutputs)

	// Registry API: breg_ token, per-token rate limit.
	reg := func(h http.HandlerFunc) http.HandlerFunc {
		return s.requireRegistryToken(s.limitByToken(h))
	}

	mux.HandleFunc("POST /api/v1/artifacts", reg(s.handleCreateArtifact))
	mux.HandleFunc("GET /api/v1/artifacts", reg(s.handleListArtifacts))
	mux.HandleFunc("GET /api/v1/artifacts/{id}", reg(s.handleGetArtifact))
	mux.HandleFunc("PATCH /api/v1/artifacts/{id}", reg(s.handleUpdateArtifact))
	mux.HandleFunc("GET /api/v1/artifacts/{id}/versions", reg(s.handleListVersions))

	mux.HandleFunc("GET /api/v1/versions/{id}", reg(s.handleGetVersion))
	mux.HandleFunc("POST /api/v1/versions/{id}/approve", reg(s.handleApproveVersion))
	mux.HandleFunc("POST /api/v1/versions/{id}/reject", reg(s.handleRejectVersion))
	mux.HandleFunc("POST /api/v1/versions/{id}/yank", reg(s.handleYankVersion))
	mux.HandleFunc("POST /api/v1/versions/{id}/ci", reg(s.handleRecordCI))
	mux.HandleFunc("PUT /api/v1/versions/{id}/blob", reg(s.handleUploadBlob))
	mux.HandleFunc("GET /api/v1/versions/{id}/download", reg(s.handleDownload))

	mux.HandleFunc("POST /api/v1/environments", reg(s.handleCreateEnvironment))
	mux.HandleFunc("GET /api/v1/environments/{id}", reg(s.handleGetEnvironment))
	mux.HandleFunc("POST /api/v1/environments/{id}/lock", reg(s.handleLockEnvironment))
	mux.HandleFunc("POST /api/v1/environments/{id}/modules", reg(s.handleCreateModule))
	mux.HandleFunc("GET /api/v1/environments/{id}/modules", reg(s.handleListModules))
	mux.HandleFunc("POST /api/v1/environments/{id}/runs", reg(s.handleStartEnvironmentRun))
	mux.HandleFunc("GET /api/v1/environments/{id}/runs", reg(s.handleListEnvironmentRuns))

	mux.HandleFunc("GET /api/v1/modules/{id}", reg(s.handleGetModule))
	mux.HandleFunc("POST /api/v1/modules/{id}/dependencies", reg(s.handleCreateDependency))
	mux.HandleFunc("GET /api/v1/modules/{id}/runs", reg(s.handleListModuleRuns))

	mux.HandleFunc("POST /api/v1/runs", reg(s.handleCreateRun))
	mux.HandleFunc("GET /api/v1/runs/{id}", reg(s.handleGetRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", reg(s.handleCancelRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/confirm", reg(s.handleConfirmRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/discard", reg(s.handleDiscardRun))

	mux.HandleFunc("GET /api/v1/environment-runs/{id}", reg(s.handleGetEnvironmentRun))
	mux.HandleFunc("POST /api/v1/environment-runs/{id}/confirm", reg(s.handleConfirmEnvironmentRun))
	mux.HandleFunc("POST /api/v1/environment-runs/{id}/discard", reg(s.handleDiscardEnvironmentRun))

	mux.HandleFunc("POST /api/v1/policies", reg(s.handleCreatePolicy))
	mux.HandleFunc("GET /api/v1/policies", reg(s.handleListPolicies))
	mux.HandleFunc("DELETE /api/v1/policies/{id}", reg(s.handleDeletePolicy))

	mux.HandleFunc("POST /api/v1/tokens", reg(s.handleCreateToken))
	mux.HandleFunc("GET /api/v1/tokens", reg(s.handleListTokens))
	mux.HandleFunc("DELETE /api/v1/tokens/{id}", reg(s.handleRevokeToken))

	mux.HandleFunc("GET /api/v1/audit", reg(s.handleListAudit))

	mux.HandleFunc("GET /helm/{namespace}/index.yaml", reg(s.handleHelmIndex))

	var h http.Handler = mux
	h = withLogging(s.log, h)
	h = withTracing(h)
	h = withRecovery(s.log, h)
	h = withRequestID(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Unhealthy", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
