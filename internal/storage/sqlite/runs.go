package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

const runColumns = `id, ticket_id, parent_run_id, ticket_version, state, requester_email, ticket,
	classification, context, draft, review, decision, sent_body, reason, last_state, message,
	cancel_requested_at IS NOT NULL, created_at, updated_at, completed_at`

const activeStates = `('received', 'classifying', 'retrieving', 'drafting', 'deciding')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (model.PipelineRun, error) {
	var (
		row                                   storage.RunRow
		parent                                *uuid.UUID
		classification, rc, draft, review     sql.NullString
		decision, sentBody, reason, last, msg sql.NullString
		ticket, createdAt, updatedAt          string
		completedAt                           sql.NullString
	)
	if err := sc.Scan(
		&row.ID, &row.TicketID, &parent, &row.TicketVersion, &row.State, &row.RequesterEmail, &ticket,
		&classification, &rc, &draft, &review, &decision, &sentBody, &reason, &last, &msg,
		&row.CancelRequested, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return model.PipelineRun{}, err
	}
	row.ParentRunID = parent
	row.Ticket = []byte(ticket)
	row.Classification, row.Context, row.Draft, row.Review = bytesOf(classification), bytesOf(rc), bytesOf(draft), bytesOf(review)
	row.Decision, row.SentBody, row.Reason, row.LastState, row.Message = strPtr(decision), strPtr(sentBody), strPtr(reason), strPtr(last), strPtr(msg)

	var err error
	if row.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.PipelineRun{}, err
	}
	if row.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.PipelineRun{}, err
	}
	if row.CompletedAt, err = parseNullTS(completedAt); err != nil {
		return model.PipelineRun{}, err
	}
	return storage.DecodeRun(row)
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run model.PipelineRun) error {
	row, err := storage.EncodeRun(run)
	if err != nil {
		return err
	}
	var parent any
	if row.ParentRunID != nil {
		parent = row.ParentRunID.String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, ticket_id, parent_run_id, ticket_version, state, requester_email, ticket,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID.String(), row.TicketID, parent, row.TicketVersion, row.State,
		strings.ToLower(row.RequesterEmail), string(row.Ticket), ts(row.CreatedAt), ts(row.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PipelineRun{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// SaveTransition writes the run's new state if the stored state is still
// from. Classification and context are write-once; a cancel request only
// lets terminal states through.
func (s *Store) SaveTransition(ctx context.Context, run model.PipelineRun, from model.StateName) error {
	row, err := storage.EncodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET
			state = ?,
			ticket_version = CASE WHEN ticket_version = '' THEN ? ELSE ticket_version END,
			classification = COALESCE(classification, ?),
			context = COALESCE(context, ?),
			draft = ?, review = ?, decision = ?, sent_body = ?, reason = ?, last_state = ?, message = ?,
			review_claimed_by = NULL, review_claimed_at = NULL,
			updated_at = ?, completed_at = ?
		 WHERE id = ? AND state = ? AND (cancel_requested_at IS NULL OR ?)`,
		row.State, row.TicketVersion,
		nullBytes(row.Classification), nullBytes(row.Context),
		nullBytes(row.Draft), nullBytes(row.Review), nullStr(row.Decision), nullStr(row.SentBody),
		nullStr(row.Reason), nullStr(row.LastState), nullStr(row.Message),
		ts(row.UpdatedAt), nullTS(row.CompletedAt),
		row.ID.String(), string(from), run.State.Name().Terminal(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save transition: %w", err)
	}
	return s.requireOne(ctx, res, run.ID, fmt.Sprintf("transition %s -> %s", from, run.State.Name()))
}

// requireOne maps a zero-row guarded update to ErrNotFound or
// ErrStaleTransition.
func (s *Store) requireOne(ctx context.Context, res sql.Result, id uuid.UUID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE id = ?)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: check run: %w", err)
	}
	if !exists {
		return fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("sqlite: run %s: %s: %w", id, op, storage.ErrStaleTransition)
}

// RequestCancel flags an active run for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET cancel_requested_at = COALESCE(cancel_requested_at, ?)
		 WHERE id = ? AND state IN `+activeStates,
		ts(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: request cancel: %w", err)
	}
	return s.requireOne(ctx, res, id, "request cancel")
}

// ClaimReview takes the review claim on a suspended run.
func (s *Store) ClaimReview(ctx context.Context, id uuid.UUID, claimant string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = ?, review_claimed_at = ?
		 WHERE id = ? AND state = 'awaiting_review' AND review_claimed_at IS NULL`,
		claimant, ts(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: claim review: %w", err)
	}
	return s.requireOne(ctx, res, id, "claim review")
}

// ReleaseReview drops the review claim.
func (s *Store) ReleaseReview(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = NULL, review_claimed_at = NULL WHERE id = ?`,
		id.String()); err != nil {
		return fmt.Errorf("sqlite: release review: %w", err)
	}
	return nil
}

// ReleaseStaleClaims frees claims taken before the cutoff.
func (s *Store) ReleaseStaleClaims(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET review_claimed_by = NULL, review_claimed_at = NULL
		 WHERE review_claimed_at IS NOT NULL AND review_claimed_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: release stale claims: %w", err)
	}
	return res.RowsAffected()
}

// ListStalled returns active runs not updated since before, oldest first.
func (s *Store) ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pipeline_runs WHERE state IN `+activeStates+` AND updated_at < ?
		 ORDER BY updated_at LIMIT ?`, ts(before), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stalled: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan stalled: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRuns returns runs matching f, newest first, with the total count.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.PipelineRun, int, error) {
	var (
		where []string
		args  []any
	)
	if f.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*f.State))
	}
	if f.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// CustomerHistory summarizes a requester's settled runs. Active runs,
// including the one asking, are left out.
func (s *Store) CustomerHistory(ctx context.Context, email string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE requester_email = ? AND state NOT IN `+activeStates+`
		 ORDER BY created_at DESC LIMIT 20`, strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("sqlite: customer history: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	return storage.HistoryFromRuns(runs), nil
}

func collectRuns(rows *sql.Rows) ([]model.PipelineRun, error) {
	defer func() { _ = rows.Close() }()
	var runs []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
