package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kotae/internal/model"
)

const runColumns = `id, ticket_id, parent_run_id, ticket_version, state, requester_email, ticket,
	classification, context, draft, review, decision, sent_body, reason, last_state, message,
	cancel_requested_at IS NOT NULL, created_at, updated_at, completed_at`

const activeStates = `('received', 'classifying', 'retrieving', 'drafting', 'deciding')`

func scanRun(row pgx.Row) (model.PipelineRun, error) {
	var r RunRow
	if err := row.Scan(
		&r.ID, &r.TicketID, &r.ParentRunID, &r.TicketVersion, &r.State, &r.RequesterEmail, &r.Ticket,
		&r.Classification, &r.Context, &r.Draft, &r.Review, &r.Decision, &r.SentBody, &r.Reason, &r.LastState, &r.Message,
		&r.CancelRequested, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	); err != nil {
		return model.PipelineRun{}, err
	}
	return DecodeRun(r)
}

// CreateRun inserts a new run in its initial state.
func (db *DB) CreateRun(ctx context.Context, run model.PipelineRun) error {
	r, err := EncodeRun(run)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, ticket_id, parent_run_id, ticket_version, state, requester_email, ticket,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TicketID, r.ParentRunID, r.TicketVersion, r.State,
		strings.ToLower(r.RequesterEmail), r.Ticket, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PipelineRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.PipelineRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// SaveTransition writes the run's new state if the stored state is still
// from. The ticket version, classification and context are write-once. A
// pending cancel request only lets terminal states through. Any review
// claim is released by the transition.
func (db *DB) SaveTransition(ctx context.Context, run model.PipelineRun, from model.StateName) error {
	r, err := EncodeRun(run)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	err = WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`UPDATE pipeline_runs SET
				state = $1,
				ticket_version = CASE WHEN ticket_version = '' THEN $2 ELSE ticket_version END,
				classification = COALESCE(classification, $3),
				context = COALESCE(context, $4),
				draft = $5, review = $6, decision = $7, sent_body = $8,
				reason = $9, last_state = $10, message = $11,
				review_claimed_by = NULL, review_claimed_at = NULL,
				updated_at = $12, completed_at = $13
			 WHERE id = $14 AND state = $15 AND (cancel_requested_at IS NULL OR $16::boolean)`,
			r.State, r.TicketVersion, r.Classification, r.Context,
			r.Draft, r.Review, r.Decision, r.SentBody,
			r.Reason, r.LastState, r.Message,
			r.UpdatedAt, r.CompletedAt,
			r.ID, string(from), run.State.Name().Terminal(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: save transition: %w", err)
	}
	return db.requireOne(ctx, tag, run.ID, "transition "+string(from)+" -> "+string(run.State.Name()))
}

// requireOne maps a zero-row guarded update to ErrNotFound or
// ErrStaleTransition.
func (db *DB) requireOne(ctx context.Context, tag pgconn.CommandTag, id uuid.UUID, op string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check run: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: run %s: %s: %w", id, op, ErrStaleTransition)
}

// RequestCancel flags an active run for cancellation at its next stage
// boundary.
func (db *DB) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_runs SET cancel_requested_at = COALESCE(cancel_requested_at, now())
		 WHERE id = $1 AND state IN `+activeStates, id)
	if err != nil {
		return fmt.Errorf("storage: request cancel: %w", err)
	}
	return db.requireOne(ctx, tag, id, "request cancel")
}

// ClaimReview takes the review claim on a suspended run. Only one of any
// number of concurrent claims succeeds.
func (db *DB) ClaimReview(ctx context.Context, id uuid.UUID, claimant string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = $2, review_claimed_at = now()
		 WHERE id = $1 AND state = 'awaiting_review' AND review_claimed_at IS NULL`,
		id, claimant)
	if err != nil {
		return fmt.Errorf("storage: claim review: %w", err)
	}
	return db.requireOne(ctx, tag, id, "claim review")
}

// ReleaseReview drops the review claim.
func (db *DB) ReleaseReview(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = NULL, review_claimed_at = NULL WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: release review: %w", err)
	}
	return nil
}

// ReleaseStaleClaims frees claims taken before the cutoff.
func (db *DB) ReleaseStaleClaims(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = NULL, review_claimed_at = NULL
		 WHERE review_claimed_at IS NOT NULL AND review_claimed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("storage: release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStalled returns active runs not updated since before, oldest first.
func (db *DB) ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM pipeline_runs WHERE state IN `+activeStates+` AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list stalled: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan stalled: %w", err)
	}
	return ids, nil
}

// ListRuns returns runs matching f, newest first, with the total count.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) ([]model.PipelineRun, int, error) {
	var (
		where []string
		args  []any
	)
	if f.State != nil {
		args = append(args, string(*f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.TicketID != "" {
		args = append(args, f.TicketID)
		where = append(where, fmt.Sprintf("ticket_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// CustomerHistory summarizes a requester's settled runs. Active runs,
// including the one asking, are left out.
func (db *DB) CustomerHistory(ctx context.Context, email string) (map[string]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE requester_email = $1 AND state NOT IN `+activeStates+`
		 ORDER BY created_at DESC LIMIT 20`, strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("storage: customer history: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	return HistoryFromRuns(runs), nil
}

func collectRuns(rows pgx.Rows) ([]model.PipelineRun, error) {
	defer rows.Close()
	var runs []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
