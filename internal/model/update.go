package model

import "fmt"

// Comment is a reply posted on a ticket.
type Comment struct {
	Body   string `json:"body"`
	Public bool   `json:"public"`
}

// TicketUpdate is the set of fields the pipeline may change on a ticket. It
// is the single external mutation a run performs.
type TicketUpdate struct {
	Status         string   `json:"status,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Comment        *Comment `json:"comment,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AdditionalTags []string `json:"additional_tags,omitempty"`
}

var validStatuses = map[string]bool{
	"new": true, "open": true, "pending": true, "hold": true, "solved": true, "closed": true,
}

var validPriorities = map[string]bool{
	"low": true, "normal": true, "high": true, "urgent": true,
}

// ValidStatus reports whether s is a helpdesk ticket status.
func ValidStatus(s string) bool { return validStatuses[s] }

// ValidPriority reports whether p is a helpdesk ticket priority.
func ValidPriority(p string) bool { return validPriorities[p] }

// Validate rejects values the helpdesk would refuse with an
// *InvalidInputError.
func (u TicketUpdate) Validate() error {
	if u.Status != "" && !validStatuses[u.Status] {
		return &InvalidInputError{Field: "status", Reason: fmt.Sprintf("%q is not a ticket status", u.Status)}
	}
	if u.Priority != "" && !validPriorities[u.Priority] {
		return &InvalidInputError{Field: "priority", Reason: fmt.Sprintf("%q is not a ticket priority", u.Priority)}
	}
	if u.Comment != nil && u.Comment.Body == "" {
		return &InvalidInputError{Field: "comment.body", Reason: "must not be empty"}
	}
	if u.Status == "" && u.Priority == "" && u.Comment == nil && len(u.Tags) == 0 && len(u.AdditionalTags) == 0 {
		return &InvalidInputError{Field: "ticket", Reason: "update is empty"}
	}
	return nil
}
