package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/storage"
)

// BeginDelivery reserves a webhook invocation ID. It returns the run ID of
// an earlier completed delivery with the same ID, nil when the caller now
// owns the delivery, or storage.ErrDuplicateDelivery while another request
// is still processing it.
func (s *Store) BeginDelivery(ctx context.Context, invocationID, ticketID string) (*uuid.UUID, error) {
	now := ts(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (invocation_id, ticket_id, status, created_at, updated_at)
		 VALUES (?, ?, 'in_progress', ?, ?) ON CONFLICT (invocation_id) DO NOTHING`,
		invocationID, ticketID, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, nil
	}

	var (
		status string
		runID  *uuid.UUID
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT status, run_id FROM webhook_deliveries WHERE invocation_id = ?`, invocationID,
	).Scan(&status, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		// Cleared between our insert and lookup; let the client retry.
		return nil, storage.ErrDuplicateDelivery
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: lookup delivery: %w", err)
	}
	if status == "completed" && runID != nil {
		return runID, nil
	}
	return nil, storage.ErrDuplicateDelivery
}

// CompleteDelivery records the run created for a reserved delivery.
func (s *Store) CompleteDelivery(ctx context.Context, invocationID string, runID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = 'completed', run_id = ?, updated_at = ?
		 WHERE invocation_id = ? AND status = 'in_progress'`,
		runID.String(), ts(time.Now()), invocationID)
	if err != nil {
		return fmt.Errorf("sqlite: complete delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: complete delivery %s: %w", invocationID, storage.ErrNotFound)
	}
	return nil
}

// ClearDelivery drops an in-progress reservation so the sender can retry.
func (s *Store) ClearDelivery(ctx context.Context, invocationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE invocation_id = ? AND status = 'in_progress'`,
		invocationID); err != nil {
		return fmt.Errorf("sqlite: clear delivery: %w", err)
	}
	return nil
}

// CleanupDeliveries removes completed deliveries older than completedTTL and
// abandoned reservations older than inProgressTTL.
func (s *Store) CleanupDeliveries(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries
		 WHERE (status = 'completed' AND updated_at < ?)
		    OR (status = 'in_progress' AND updated_at < ?)`,
		ts(now.Add(-completedTTL)), ts(now.Add(-inProgressTTL)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup deliveries: %w", err)
	}
	return res.RowsAffected()
}
