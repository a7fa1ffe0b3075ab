package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/events"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/pipeline"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/zendesk"
)

// seedAdminID is the reviewer created from KOTAE_ADMIN_API_KEY.
const seedAdminID = "admin"

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	pipeline            *pipeline.Orchestrator
	queue               Queue
	jwtMgr              *auth.JWTManager
	buffer              *events.Buffer
	search              *search.Service
	policies            *escalation.PolicyStore
	logger              *slog.Logger
	webhookSecret       string
	storeKind           string
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Search, Policies, OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	Pipeline            *pipeline.Orchestrator
	Queue               Queue
	JWTMgr              *auth.JWTManager
	Buffer              *events.Buffer
	Search              *search.Service
	Policies            *escalation.PolicyStore
	Logger              *slog.Logger
	WebhookSecret       string
	StoreKind           string
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		pipeline:            d.Pipeline,
		queue:               d.Queue,
		jwtMgr:              d.JWTMgr,
		buffer:              d.Buffer,
		search:              d.Search,
		policies:            d.Policies,
		logger:              d.Logger,
		webhookSecret:       d.WebhookSecret,
		storeKind:           d.StoreKind,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleRoot handles GET /.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"service": "kotae",
		"status":  "running",
		"version": h.version,
		"endpoints": map[string]string{
			"webhook": "POST /webhooks/zendesk",
			"legacy":  "POST /zendesk-webhook",
			"health":  "GET /health",
			"runs":    "GET /v1/runs",
			"review":  "POST /v1/runs/{run_id}/review",
			"docs":    "GET /openapi.yaml",
		},
	})
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ReviewerID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer_id and api_key are required")
		return
	}

	reviewer, err := h.store.GetReviewer(r.Context(), req.ReviewerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeInternalError(w, r, "failed to load reviewer", err)
		return
	}
	if err != nil || reviewer.APIKeyHash == nil {
		// Spend the same Argon2 time as a real check so unknown IDs are
		// not distinguishable by latency.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *reviewer.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(reviewer)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "reviewer_id", reviewer.ReviewerID, "role", reviewer.Role)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Service:      "kotae",
		Version:      h.version,
		Store:        h.storeKind + ":" + storeStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.storeKind == "" {
		resp.Store = storeStatus
	}
	if h.queue != nil {
		resp.QueueDepth = h.queue.Depth()
	}
	if h.search != nil {
		resp.Qdrant = h.search.Healthy(r.Context())
	}
	if h.policies != nil {
		resp.PolicyVersion = h.policies.Current().Version
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the admin reviewer from adminAPIKey unless it already
// exists. Without a key it only warns when no reviewer could ever log in;
// webhook ingestion works either way.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		reviewers, err := h.store.ListReviewers(ctx)
		if err != nil {
			return fmt.Errorf("seed admin: list reviewers: %w", err)
		}
		if len(reviewers) == 0 {
			h.logger.Warn("no admin API key configured and no reviewers exist; set KOTAE_ADMIN_API_KEY to enable the review API")
		}
		return nil
	}

	_, err := h.store.GetReviewer(ctx, seedAdminID)
	if err == nil {
		h.logger.Info("admin reviewer exists, skipping seed")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: get reviewer: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	now := time.Now().UTC()
	err = h.store.CreateReviewer(ctx, model.Reviewer{
		ID:         uuid.New(),
		ReviewerID: seedAdminID,
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed admin: create reviewer: %w", err)
	}

	h.logger.Info("seeded initial admin reviewer")
	return nil
}

// writeInternalError logs err and writes a 500 without leaking details.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeRunError maps errors from the pipeline and store to API errors.
func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  *model.InvalidInputError
		notFound *model.NotFoundError
		conflict *model.ConflictError
		status   *zendesk.StatusError
		dropped  *zendesk.TransportError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, invalid.Error())
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFound.Error())
	case errors.Is(err, storage.ErrStaleTransition), errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.As(err, &status), errors.As(err, &dropped):
		h.logger.Warn("helpdesk call failed", "error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUnavailable, "helpdesk unavailable, retry later")
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

// --- Shared helpers ---

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", runIDStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
