package kotae

import (
	"time"

	"github.com/google/uuid"
)

// Run states.
const (
	StateReceived       = "received"
	StateClassifying    = "classifying"
	StateRetrieving     = "retrieving"
	StateDrafting       = "drafting"
	StateDeciding       = "deciding"
	StateAutoSent       = "auto_sent"
	StateAwaitingReview = "awaiting_review"
	StateRejected       = "rejected"
	StateFailed         = "failed"
	StateCancelled      = "cancelled"
)

// Review actions.
const (
	ActionApprove = "approve"
	ActionEdit    = "edit"
	ActionReject  = "reject"
)

// Ticket mirrors the server's normalized ticket record.
type Ticket struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	RequesterEmail string    `json:"requester_email"`
	RequesterName  string    `json:"requester_name"`
	Status         string    `json:"status"`
	Priority       *string   `json:"priority,omitempty"`
	Tags           []string  `json:"tags"`
	Channel        *string   `json:"channel,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Classification is the classifier's verdict on a ticket.
type Classification struct {
	Intent  string   `json:"intent"`
	Urgency string   `json:"urgency"`
	Topic   string   `json:"topic"`
	Summary string   `json:"summary"`
	Coerced []string `json:"coerced,omitempty"`
}

// RetrievedContext is the drafting context gathered for a ticket.
type RetrievedContext struct {
	Excerpts []string          `json:"excerpts"`
	History  map[string]string `json:"history,omitempty"`
	Degraded []string          `json:"degraded,omitempty"`
}

// Draft is a candidate reply.
type Draft struct {
	Body             string  `json:"body"`
	Confidence       float64 `json:"confidence"`
	NeedsHumanReview bool    `json:"needs_human_review"`
}

// Review is a recorded human decision.
type Review struct {
	Action     string    `json:"action"`
	Body       string    `json:"body,omitempty"`
	Note       string    `json:"note,omitempty"`
	ReviewerID string    `json:"reviewer_id"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Run mirrors the server's run view. Fields after State are only set once
// the run has reached the stage that produces them.
type Run struct {
	ID              uuid.UUID  `json:"id"`
	TicketID        string     `json:"ticket_id"`
	ParentRunID     *uuid.UUID `json:"parent_run_id,omitempty"`
	TicketVersion   string     `json:"ticket_version,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	ResumeToken     *string    `json:"resume_token,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	State          string            `json:"state"`
	Ticket         Ticket            `json:"ticket"`
	Classification *Classification   `json:"classification,omitempty"`
	Context        *RetrievedContext `json:"context,omitempty"`
	Draft          *Draft            `json:"draft,omitempty"`
	Decision       *string           `json:"decision,omitempty"`
	Review         *Review           `json:"review,omitempty"`
	SentBody       *string           `json:"sent_body,omitempty"`
	Reason         *string           `json:"reason,omitempty"`
	LastState      *string           `json:"last_state,omitempty"`
	Message        *string           `json:"message,omitempty"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	switch r.State {
	case StateAutoSent, StateRejected, StateFailed, StateCancelled:
		return true
	}
	return false
}

// RunEvent is one recorded state transition.
type RunEvent struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	TicketID   string         `json:"ticket_id"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to"`
	Reason     string         `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// RunPage is one page of ListRuns.
type RunPage struct {
	Runs    []Run
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// ListRunsOptions filters ListRuns. Zero values mean "any".
type ListRunsOptions struct {
	State    string
	TicketID string
	Limit    int
	Offset   int
}

// ReviewRequest resumes a run waiting for review.
type ReviewRequest struct {
	Action string `json:"action"`
	Body   string `json:"body,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Reviewer is a person allowed to call the API.
type Reviewer struct {
	ID         uuid.UUID `json:"id"`
	ReviewerID string    `json:"reviewer_id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateReviewerRequest creates a reviewer. An empty APIKey asks the server
// to generate one.
type CreateReviewerRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	APIKey     string `json:"api_key,omitempty"`
}

// CreateReviewerResponse carries the new reviewer and, when generated, the
// API key. The key is never returned again.
type CreateReviewerResponse struct {
	Reviewer Reviewer `json:"reviewer"`
	APIKey   string   `json:"api_key,omitempty"`
}

// Health is the /health response.
type Health struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	Qdrant        string `json:"qdrant,omitempty"`
	BufferDepth   int    `json:"buffer_depth"`
	BufferStatus  string `json:"buffer_status"`
	PolicyVersion int64  `json:"policy_version"`
	QueueDepth    int    `json:"queue_depth"`
	Uptime        int64  `json:"uptime_seconds"`
}
