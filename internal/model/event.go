package model

import (
	"time"

	"github.com/google/uuid"
)

// RunEvent is one append-only entry in a run's transition log. Events are
// buffered in memory and flushed in batches, so a crash can lose the most
// recent few; the run row itself is always authoritative.
type RunEvent struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	TicketID   string         `json:"ticket_id"`
	From       StateName      `json:"from,omitempty"`
	To         StateName      `json:"to"`
	Reason     ReasonCode     `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewRunEvent builds the event for a transition of run from the given state.
func NewRunEvent(run PipelineRun, from StateName, detail map[string]any) RunEvent {
	ev := RunEvent{
		ID:         uuid.New(),
		RunID:      run.ID,
		TicketID:   run.TicketID,
		From:       from,
		To:         run.State.Name(),
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	if snap := SnapshotOf(run.State); snap.Reason != nil {
		ev.Reason = *snap.Reason
	}
	return ev
}
