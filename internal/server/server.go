// Package server implements the kotae HTTP API: the Zendesk webhook that
// starts runs, and the reviewer surface that inspects and resumes them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/events"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/pipeline"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/search"
)

// Store is the read and bookkeeping side of the run store used by the HTTP
// handlers. Both storage backends implement it.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.PipelineRun, int, error)
	ListEvents(ctx context.Context, runID uuid.UUID) ([]model.RunEvent, error)

	BeginDelivery(ctx context.Context, invocationID, ticketID string) (*uuid.UUID, error)
	CompleteDelivery(ctx context.Context, invocationID string, runID uuid.UUID) error
	ClearDelivery(ctx context.Context, invocationID string) error

	CreateReviewer(ctx context.Context, r model.Reviewer) error
	GetReviewer(ctx context.Context, reviewerID string) (model.Reviewer, error)
	ListReviewers(ctx context.Context) ([]model.Reviewer, error)

	Ping(ctx context.Context) error
}

// Queue schedules runs for execution. *pipeline.Dispatcher implements it.
type Queue interface {
	Enqueue(id uuid.UUID) bool
	Depth() int
}

// Server is the kotae HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Buffer, Search, Policies, Limiter, MCPServer,
// OpenAPISpec. An empty WebhookSecret disables signature verification.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	Pipeline *pipeline.Orchestrator
	Queue    Queue
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Buffer    *events.Buffer
	Search    *search.Service
	Policies  *escalation.PolicyStore
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	WebhookSecret string
	StoreKind     string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Pipeline:            cfg.Pipeline,
		Queue:               cfg.Queue,
		JWTMgr:              cfg.JWTMgr,
		Buffer:              cfg.Buffer,
		Search:              cfg.Search,
		Policies:            cfg.Policies,
		Logger:              cfg.Logger,
		WebhookSecret:       cfg.WebhookSecret,
		StoreKind:           cfg.StoreKind,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	webhookRL := ratelimit.Middleware(cfg.Limiter, "webhook", ratelimit.IPKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)
	apiRL := ratelimit.Middleware(cfg.Limiter, "api", reviewerKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Unauthenticated endpoints.
	mux.HandleFunc("GET /{$}", h.HandleRoot)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Helpdesk ingress (HMAC signed, rate limited by IP). /zendesk-webhook is
	// the path older Zendesk webhook targets were configured with.
	webhook := webhookRL(http.HandlerFunc(h.HandleZendeskWebhook))
	mux.Handle("POST /webhooks/zendesk", webhook)
	mux.Handle("POST /zendesk-webhook", webhook)

	// Run inspection (viewer+).
	view := requireAction(authz.ActionViewRuns)
	mux.Handle("GET /v1/runs", apiRL(view(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{run_id}", apiRL(view(http.HandlerFunc(h.HandleGetRun))))
	mux.Handle("GET /v1/runs/{run_id}/events", apiRL(view(http.HandlerFunc(h.HandleRunEvents))))

	// Run control (reviewer+).
	mux.Handle("POST /v1/runs/{run_id}/review",
		apiRL(requireAction(authz.ActionReview)(http.HandlerFunc(h.HandleReview))))
	mux.Handle("POST /v1/runs/{run_id}/cancel",
		apiRL(requireAction(authz.ActionCancel)(http.HandlerFunc(h.HandleCancel))))
	mux.Handle("POST /v1/tickets/{ticket_id}/runs",
		apiRL(requireAction(authz.ActionRerun)(http.HandlerFunc(h.HandleRerun))))

	// Reviewer management (admin, exempt from rate limits).
	manage := requireAction(authz.ActionManageReviewers)
	mux.Handle("POST /v1/reviewers", manage(http.HandlerFunc(h.HandleCreateReviewer)))
	mux.Handle("GET /v1/reviewers", manage(http.HandlerFunc(h.HandleListReviewers)))

	// MCP StreamableHTTP transport (reviewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", requireAction(authz.ActionReview)(mcpHTTP))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// reviewerKeyFunc keys the API rate limit by reviewer. Admins are exempt.
func reviewerKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.ReviewerID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
