package model

import (
	"slices"
	"strings"
	"time"
)

// Field length limits for inbound ticket text. They keep a single oversized
// ticket from blowing up prompt construction or TEXT columns.
const (
	MaxSubjectLen = 1024
	MaxBodyLen    = 64 * 1024
)

// TicketRecord is the immutable snapshot of a helpdesk ticket taken when a
// run is created. The pipeline never mutates it; changes go back through the
// ticket source adapter.
type TicketRecord struct {
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

// HasContent reports whether the ticket carries any text to triage.
func (t TicketRecord) HasContent() bool {
	return strings.TrimSpace(t.Subject) != "" || strings.TrimSpace(t.Body) != ""
}

// Validate checks the ticket for the fields the pipeline depends on.
func (t TicketRecord) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &InvalidInputError{Field: "ticket_id", Reason: "is required"}
	}
	if !t.HasContent() {
		return &InvalidInputError{Field: "subject", Reason: "subject or body must be non-empty"}
	}
	if len(t.Subject) > MaxSubjectLen {
		return &InvalidInputError{Field: "subject", Reason: "exceeds maximum length"}
	}
	if len(t.Body) > MaxBodyLen {
		return &InvalidInputError{Field: "body", Reason: "exceeds maximum length"}
	}
	return nil
}

// NormalizeTags trims, lowercases and de-duplicates tags, returning them
// sorted so a tag list behaves as a set.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
