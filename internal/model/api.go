package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// RunView is the API representation of a pipeline run: identity and
// bookkeeping fields plus the flattened state.
type RunView struct {
	ID              uuid.UUID  `json:"id"`
	TicketID        string     `json:"ticket_id"`
	ParentRunID     *uuid.UUID `json:"parent_run_id,omitempty"`
	TicketVersion   string     `json:"ticket_version,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	ResumeToken     *string    `json:"resume_token,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RunSnapshot
}

// ViewOf renders a run for the API. Suspended runs expose their ID as the
// resume token.
func ViewOf(r PipelineRun) RunView {
	v := RunView{
		ID:              r.ID,
		TicketID:        r.TicketID,
		ParentRunID:     r.ParentRunID,
		TicketVersion:   r.TicketVersion,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
		RunSnapshot:     SnapshotOf(r.State),
	}
	if r.State.Name() == StateAwaitingReview {
		token := r.ID.String()
		v.ResumeToken = &token
	}
	return v
}

// WebhookAccepted is the response for POST /webhooks/zendesk.
// Duplicate is set when the invocation was delivered before and no new run
// was created.
type WebhookAccepted struct {
	RunID      uuid.UUID `json:"run_id"`
	TicketID   string    `json:"ticket_id"`
	State      StateName `json:"state,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Duplicate  bool      `json:"duplicate,omitempty"`
}

// RerunRequest is the optional body for POST /v1/tickets/{ticket_id}/runs.
type RerunRequest struct {
	ParentRunID *uuid.UUID `json:"parent_run_id,omitempty"`
}

// ReviewRequest is the request body for POST /v1/runs/{run_id}/review.
type ReviewRequest struct {
	Action ReviewAction `json:"action"`
	Body   string       `json:"body,omitempty"`
	Note   string       `json:"note,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ReviewerID string `json:"reviewer_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateReviewerRequest is the request body for POST /v1/reviewers. When
// APIKey is empty a key is generated and returned once.
type CreateReviewerRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	APIKey     string `json:"api_key,omitempty"`
}

// CreateReviewerResponse is the response for POST /v1/reviewers.
type CreateReviewerResponse struct {
	Reviewer Reviewer `json:"reviewer"`
	APIKey   string   `json:"api_key,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	Qdrant        string `json:"qdrant,omitempty"`
	BufferDepth   int    `json:"buffer_depth"`
	BufferStatus  string `json:"buffer_status"` // "ok", "high", "critical"
	PolicyVersion int64  `json:"policy_version"`
	QueueDepth    int    `json:"queue_depth"`
	Uptime        int64  `json:"uptime_seconds"`
}
