package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// InsertEvents inserts run events using the COPY protocol.
func (db *DB) InsertEvents(ctx context.Context, events []model.RunEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "run_id", "ticket_id", "from_state", "to_state", "reason", "detail", "occurred_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		var detail []byte
		if len(e.Detail) > 0 {
			raw, err := json.Marshal(e.Detail)
			if err != nil {
				return 0, fmt.Errorf("storage: encode event detail: %w", err)
			}
			detail = raw
		}
		rows[i] = []any{
			e.ID,
			e.RunID,
			e.TicketID,
			string(e.From),
			string(e.To),
			string(e.Reason),
			detail,
			e.OccurredAt,
		}
	}

	// A dedicated COPY timeout keeps a hung Postgres from blocking the
	// buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"run_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// ListEvents returns a run's events in the order they occurred.
func (db *DB) ListEvents(ctx context.Context, runID uuid.UUID) ([]model.RunEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, ticket_id, from_state, to_state, reason, detail, occurred_at
		 FROM run_events WHERE run_id = $1 ORDER BY occurred_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var (
			e                model.RunEvent
			from, to, reason string
			detail           []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.TicketID, &from, &to, &reason, &detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.From, e.To, e.Reason = model.StateName(from), model.StateName(to), model.ReasonCode(reason)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("storage: decode event detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
