package model

// RetrievedContext is the supporting material gathered for drafting. An empty
// value is a valid result, not an error.
type RetrievedContext struct {
	// Excerpts are prior-ticket excerpts ordered by relevance.
	Excerpts []string `json:"excerpts"`

	// History is the customer-history record, nil when unavailable.
	History map[string]string `json:"history,omitempty"`

	// Degraded names the collaborators that failed during retrieval.
	Degraded []string `json:"degraded,omitempty"`
}

// IsEmpty reports whether no context was retrieved at all.
func (c RetrievedContext) IsEmpty() bool {
	return len(c.Excerpts) == 0 && len(c.History) == 0
}

// Draft is a candidate reply produced by the drafter.
type Draft struct {
	Body             string  `json:"body"`
	Confidence       float64 `json:"confidence"`
	NeedsHumanReview bool    `json:"needs_human_review"`
}

// Decision is the escalation gate's verdict on a draft.
type Decision string

const (
	DecisionAutoSend       Decision = "auto_send"
	DecisionQueueForReview Decision = "queue_for_review"
	DecisionReject         Decision = "reject"
)
