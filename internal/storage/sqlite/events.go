package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// InsertEvents writes a batch of run events in one transaction and returns
// the number written. Events already present are skipped.
func (s *Store) InsertEvents(ctx context.Context, events []model.RunEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin insert events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_events (id, run_id, ticket_id, from_state, to_state, reason, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert events: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var n int64
	for _, ev := range events {
		detail := sql.NullString{}
		if len(ev.Detail) > 0 {
			raw, err := json.Marshal(ev.Detail)
			if err != nil {
				return 0, fmt.Errorf("sqlite: encode event detail: %w", err)
			}
			detail = sql.NullString{String: string(raw), Valid: true}
		}
		res, err := stmt.ExecContext(ctx, ev.ID.String(), ev.RunID.String(), ev.TicketID,
			string(ev.From), string(ev.To), string(ev.Reason), detail, ts(ev.OccurredAt))
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert event: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit events: %w", err)
	}
	return n, nil
}

// ListEvents returns a run's events in the order they occurred.
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ticket_id, from_state, to_state, reason, detail, occurred_at
		 FROM run_events WHERE run_id = ? ORDER BY occurred_at, id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.RunEvent
	for rows.Next() {
		var (
			ev               model.RunEvent
			from, to, reason string
			detail           sql.NullString
			occurredAt       string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TicketID, &from, &to, &reason, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.From, ev.To, ev.Reason = model.StateName(from), model.StateName(to), model.ReasonCode(reason)
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: decode event detail: %w", err)
			}
		}
		if ev.OccurredAt, err = parseTS(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
