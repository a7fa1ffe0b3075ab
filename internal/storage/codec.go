package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// RunRow is the column form of a pipeline run shared by the Postgres and
// SQLite stores. Nil byte slices and pointers are SQL NULL.
type RunRow struct {
	ID              uuid.UUID
	TicketID        string
	ParentRunID     *uuid.UUID
	TicketVersion   string
	State           string
	RequesterEmail  string
	Ticket          []byte
	Classification  []byte
	Context         []byte
	Draft           []byte
	Review          []byte
	Decision        *string
	SentBody        *string
	Reason          *string
	LastState       *string
	Message         *string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// EncodeRun flattens run into its row.
func EncodeRun(run model.PipelineRun) (RunRow, error) {
	snap := model.SnapshotOf(run.State)
	row := RunRow{
		ID:              run.ID,
		TicketID:        run.TicketID,
		ParentRunID:     run.ParentRunID,
		TicketVersion:   run.TicketVersion,
		State:           string(snap.State),
		RequesterEmail:  snap.Ticket.RequesterEmail,
		SentBody:        snap.SentBody,
		Message:         snap.Message,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		CompletedAt:     run.CompletedAt,
	}
	if snap.Decision != nil {
		s := string(*snap.Decision)
		row.Decision = &s
	}
	if snap.Reason != nil {
		s := string(*snap.Reason)
		row.Reason = &s
	}
	if snap.LastState != nil {
		s := string(*snap.LastState)
		row.LastState = &s
	}

	var err error
	if row.Ticket, err = json.Marshal(snap.Ticket); err != nil {
		return RunRow{}, fmt.Errorf("storage: encode ticket: %w", err)
	}
	if row.Classification, err = marshalOptional(snap.Classification); err != nil {
		return RunRow{}, fmt.Errorf("storage: encode classification: %w", err)
	}
	if row.Context, err = marshalOptional(snap.Context); err != nil {
		return RunRow{}, fmt.Errorf("storage: encode context: %w", err)
	}
	if row.Draft, err = marshalOptional(snap.Draft); err != nil {
		return RunRow{}, fmt.Errorf("storage: encode draft: %w", err)
	}
	if row.Review, err = marshalOptional(snap.Review); err != nil {
		return RunRow{}, fmt.Errorf("storage: encode review: %w", err)
	}
	return row, nil
}

// DecodeRun rebuilds the typed run from its row.
func DecodeRun(row RunRow) (model.PipelineRun, error) {
	snap := model.RunSnapshot{State: model.StateName(row.State), SentBody: row.SentBody, Message: row.Message}
	if err := json.Unmarshal(row.Ticket, &snap.Ticket); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: decode ticket of run %s: %w", row.ID, err)
	}
	if err := unmarshalOptional(row.Classification, &snap.Classification); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: decode classification of run %s: %w", row.ID, err)
	}
	if err := unmarshalOptional(row.Context, &snap.Context); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: decode context of run %s: %w", row.ID, err)
	}
	if err := unmarshalOptional(row.Draft, &snap.Draft); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: decode draft of run %s: %w", row.ID, err)
	}
	if err := unmarshalOptional(row.Review, &snap.Review); err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: decode review of run %s: %w", row.ID, err)
	}
	if row.Decision != nil {
		d := model.Decision(*row.Decision)
		snap.Decision = &d
	}
	if row.Reason != nil {
		r := model.ReasonCode(*row.Reason)
		snap.Reason = &r
	}
	if row.LastState != nil {
		s := model.StateName(*row.LastState)
		snap.LastState = &s
	}

	state, err := snap.Restore()
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("storage: run %s: %w", row.ID, err)
	}
	return model.PipelineRun{
		ID:              row.ID,
		TicketID:        row.TicketID,
		ParentRunID:     row.ParentRunID,
		TicketVersion:   row.TicketVersion,
		State:           state,
		CancelRequested: row.CancelRequested,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
	}, nil
}

// HistoryFromRuns summarizes a requester's earlier runs, newest first, into
// the customer-history record the drafter sees. It returns nil when there
// are none.
func HistoryFromRuns(runs []model.PipelineRun) map[string]string {
	if len(runs) == 0 {
		return nil
	}
	tickets := make(map[string]struct{}, len(runs))
	escalated := 0
	for _, r := range runs {
		tickets[r.TicketID] = struct{}{}
		if r.State.Name() == model.StateAwaitingReview || r.State.Name() == model.StateRejected {
			escalated++
		}
	}
	latest := runs[0]
	h := map[string]string{
		"prior_tickets":  fmt.Sprint(len(tickets)),
		"prior_runs":     fmt.Sprint(len(runs)),
		"escalated_runs": fmt.Sprint(escalated),
		"last_contact":   latest.CreatedAt.UTC().Format(time.RFC3339),
		"last_outcome":   string(latest.State.Name()),
	}
	if name := latest.State.TicketRecord().RequesterName; name != "" {
		h["name"] = name
	}
	if snap := model.SnapshotOf(latest.State); snap.Classification != nil {
		h["last_intent"] = string(snap.Classification.Intent)
		if snap.Classification.Topic != "" {
			h["last_topic"] = snap.Classification.Topic
		}
	}
	return h
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](raw []byte, dst **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*dst = v
	return nil
}
