package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// BeginDelivery reserves a webhook invocation ID for processing.
//
// It returns (nil, nil) when the caller now owns the delivery, the run ID of
// an earlier completed delivery with the same invocation ID, or
// ErrDuplicateDelivery while another request is still processing it.
//
// Stale in-progress reservations are not taken over. They block redelivery
// until CleanupDeliveries removes them, so a request that created its run
// but crashed before CompleteDelivery cannot cause a second run.
func (db *DB) BeginDelivery(ctx context.Context, invocationID, ticketID string) (*uuid.UUID, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (invocation_id, ticket_id, status)
		 VALUES ($1, $2, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		invocationID, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: begin delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil // caller owns processing
	}

	var (
		status string
		runID  *uuid.UUID
	)
	err = db.pool.QueryRow(ctx,
		`SELECT status, run_id FROM webhook_deliveries WHERE invocation_id = $1`, invocationID,
	).Scan(&status, &runID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Cleared between our insert and lookup; let the sender retry.
		return nil, ErrDuplicateDelivery
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lookup delivery: %w", err)
	}
	if status == "completed" && runID != nil {
		return runID, nil
	}
	return nil, ErrDuplicateDelivery
}

// CompleteDelivery records the run created for a reserved delivery.
func (db *DB) CompleteDelivery(ctx context.Context, invocationID string, runID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'completed', run_id = $2, updated_at = now()
		 WHERE invocation_id = $1 AND status = 'in_progress'`,
		invocationID, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete delivery %s: %w", invocationID, ErrNotFound)
	}
	return nil
}

// ClearDelivery removes an in-progress reservation so the sender can retry.
func (db *DB) ClearDelivery(ctx context.Context, invocationID string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE invocation_id = $1 AND status = 'in_progress'`,
		invocationID,
	); err != nil {
		return fmt.Errorf("storage: clear delivery: %w", err)
	}
	return nil
}

// CleanupDeliveries removes old completed records and abandoned reservations.
func (db *DB) CleanupDeliveries(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM webhook_deliveries
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
