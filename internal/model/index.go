package model

import (
	"time"

	"github.com/google/uuid"
)

// indexNamespace derives stable point IDs from ticket IDs, so indexing the
// same ticket twice replaces its entry.
var indexNamespace = uuid.MustParse("6f1d8a52-3c0e-4c57-9b8e-2f4a7c9d1e03")

// IndexedTicket is a resolved ticket in the similar-ticket index.
type IndexedTicket struct {
	ID        uuid.UUID `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Intent    Intent    `json:"intent"`
	Excerpt   string    `json:"excerpt"`
	Embedding []float32 `json:"-"`
	IndexedAt time.Time `json:"indexed_at"`
}

// IndexID returns the index point ID for a ticket.
func IndexID(ticketID string) uuid.UUID {
	return uuid.NewSHA1(indexNamespace, []byte(ticketID))
}

// SimilarHit is one ranked match from the similar-ticket index.
type SimilarHit struct {
	ID    uuid.UUID
	Score float32
}
