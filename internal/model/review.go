package model

import (
	"strings"
	"time"
)

// ReviewAction is what a reviewer chose to do with a suspended run.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewEdit    ReviewAction = "edit"
	ReviewReject  ReviewAction = "reject"
)

// ReviewDecision is the reviewer input that resumes an AwaitingReview run.
type ReviewDecision struct {
	Action     ReviewAction `json:"action"`
	Body       string       `json:"body,omitempty"`
	Note       string       `json:"note,omitempty"`
	ReviewerID string       `json:"reviewer_id"`
	DecidedAt  time.Time    `json:"decided_at"`
}

// Validate checks the decision against the suspended state. Approve needs a
// stored draft to send; edit needs a replacement body.
func (d ReviewDecision) Validate(s AwaitingReview) error {
	switch d.Action {
	case ReviewApprove:
		if s.Draft == nil || strings.TrimSpace(s.Draft.Body) == "" {
			return &InvalidInputError{Field: "action", Reason: "approve requires a stored draft; use edit"}
		}
	case ReviewEdit:
		if strings.TrimSpace(d.Body) == "" {
			return &InvalidInputError{Field: "body", Reason: "is required for edit"}
		}
		if len(d.Body) > MaxBodyLen {
			return &InvalidInputError{Field: "body", Reason: "exceeds maximum length"}
		}
	case ReviewReject:
	default:
		return &InvalidInputError{Field: "action", Reason: "must be approve, edit or reject"}
	}
	return nil
}

// ReplyBody returns the text a non-reject decision sends.
func (d ReviewDecision) ReplyBody(s AwaitingReview) string {
	if d.Action == ReviewEdit {
		return d.Body
	}
	if s.Draft != nil {
		return s.Draft.Body
	}
	return ""
}
