package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tiered-content-storage/service"
)

// APIKeyHeader authenticates operator requests.
const APIKeyHeader = "X-API-Key"

const defaultPerformanceHours = 24

// AdminHandler serves the operator API: health, statistics, migrations,
// manual tiering and lifecycle runs. Everything except health requires
// the configured API key; without a key those routes always reject.
type AdminHandler struct {
	svc    *service.Service
	apiKey string
	log    *slog.Logger
}

// NewAdminHandler creates the operator API. With an empty apiKey every
// protected route answers 401.
func NewAdminHandler(svc *service.Service, apiKey string, log *slog.Logger) *AdminHandler {
	if apiKey == "" {
		log.Warn("No admin API key configured, operator endpoints are disabled")
	}
	return &AdminHandler{svc: svc, apiKey: apiKey, log: log}
}

// AdminRouter returns the operator API, meant to be mounted at /v1/storage.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Get("/stats", h.handleStats)
		r.Get("/performance", h.handlePerformance)
		r.Post("/migrate", h.handleStartMigration)
		r.Get("/migrate", h.handleMigrationProgress)
		r.Post("/tier", h.handleMoveTier)
		r.Post("/lifecycle", h.handleLifecycle)
		r.Get("/verify/{hash}", h.handleVerify)
		r.Get("/network", h.handleNetworkReport)
	})
	return r
}

func (h *AdminHandler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth probes every tier.
//
// Endpoint: GET /v1/storage/health
// Response: 200 when all tiers are healthy, 503 otherwise.
func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Endpoint: GET /v1/storage/stats
func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats(r.Context()))
}

// handlePerformance aggregates the events of the last hours.
//
// Endpoint: GET /v1/storage/performance?hours={hours}
func (h *AdminHandler) handlePerformance(w http.ResponseWriter, r *http.Request) {
	hours := defaultPerformanceHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, h.log, badRequest(errors.New("hours must be a positive integer")))
			return
		}
		hours = n
	}

	report, err := h.svc.Performance(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.log.Warn("Failed to build performance report", "err", err)
		report = &service.PerformanceReport{Window: time.Duration(hours) * time.Hour, Operations: []service.OperationStats{}}
	}
	writeJSON(w, http.StatusOK, report)
}

// handleStartMigration previews or starts a backend migration.
//
// Endpoint: POST /v1/storage/migrate
// Request body: {"source_backend": "fs", "target_backend": "s3", "dry_run": true}
// Response: 200 with the plan for a dry run, 202 once a migration started.
func (h *AdminHandler) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var req service.MigrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.SourceBackend == "" || req.TargetBackend == "" {
		writeError(w, r, h.log, badRequest(errors.New("source_backend and target_backend are required")))
		return
	}

	start, err := h.svc.StartMigration(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	if req.DryRun {
		writeJSON(w, http.StatusOK, map[string]any{
			"dry_run": true,
			"plan":    start.Plan,
		})
		return
	}
	h.log.Info("Migration started",
		slog.String("source", req.SourceBackend),
		slog.String("target", req.TargetBackend))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "started",
		"progress": start.Progress,
	})
}

// Endpoint: GET /v1/storage/migrate
func (h *AdminHandler) handleMigrationProgress(w http.ResponseWriter, r *http.Request) {
	progress, running, ok := h.svc.MigrationProgress()
	if !ok {
		writeError(w, r, h.log, &RequestError{StatusCode: http.StatusNotFound, Err: errors.New("no migration has been started")})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  running,
		"progress": progress,
	})
}

// handleMoveTier moves one object between tiers.
//
// Endpoint: POST /v1/storage/tier
// Request body: {"content_hash": "...", "from_tier": "hot", "to_tier": "cold", "force": false}
// Response: 200 on success, 404 when the object is not in from_tier and
// force is not set.
func (h *AdminHandler) handleMoveTier(w http.ResponseWriter, r *http.Request) {
	var req service.MoveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if req.ContentHash == "" || req.FromTier == "" || req.ToTier == "" {
		writeError(w, r, h.log, badRequest(errors.New("content_hash, from_tier and to_tier are required")))
		return
	}

	if err := h.svc.MoveTier(r.Context(), req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"operation":    "tier-moved",
		"content_hash": req.ContentHash,
		"from_tier":    req.FromTier,
		"to_tier":      req.ToTier,
	})
}

type lifecycleRequest struct {
	Operation string `json:"operation"`
}

// handleLifecycle runs one lifecycle operation synchronously.
//
// Endpoint: POST /v1/storage/lifecycle
// Request body: {"operation": "tier" | "cleanup" | "reconcile" | "stats"}
func (h *AdminHandler) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	result, err := h.svc.RunLifecycle(r.Context(), req.Operation)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": req.Operation,
		"result":    result,
	})
}

// Endpoint: GET /v1/storage/verify/{hash}
func (h *AdminHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	report, err := h.svc.Verify(r.Context(), hash)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Endpoint: GET /v1/storage/network
func (h *AdminHandler) handleNetworkReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.NetworkReport(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}
