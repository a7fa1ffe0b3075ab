package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// CreateReviewer inserts a reviewer. A taken reviewer ID returns
// storage.ErrAlreadyExists.
func (s *Store) CreateReviewer(ctx context.Context, r model.Reviewer) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reviewers (id, reviewer_id, name, role, api_key_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (reviewer_id) DO NOTHING`,
		r.ID.String(), r.ReviewerID, r.Name, string(r.Role), nullStr(r.APIKeyHash),
		ts(r.CreatedAt), ts(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create reviewer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: reviewer %s: %w", r.ReviewerID, storage.ErrAlreadyExists)
	}
	return nil
}

// GetReviewer loads a reviewer by reviewer ID, including the key hash.
func (s *Store) GetReviewer(ctx context.Context, reviewerID string) (model.Reviewer, error) {
	r, err := scanReviewer(s.db.QueryRowContext(ctx,
		`SELECT id, reviewer_id, name, role, api_key_hash, created_at, updated_at
		 FROM reviewers WHERE reviewer_id = ?`, reviewerID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reviewer{}, fmt.Errorf("sqlite: reviewer %s: %w", reviewerID, storage.ErrNotFound)
	}
	if err != nil {
		return model.Reviewer{}, fmt.Errorf("sqlite: get reviewer: %w", err)
	}
	return r, nil
}

// ListReviewers returns all reviewers ordered by reviewer ID.
func (s *Store) ListReviewers(ctx context.Context) ([]model.Reviewer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reviewer_id, name, role, api_key_hash, created_at, updated_at
		 FROM reviewers ORDER BY reviewer_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list reviewers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan reviewer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReviewer(sc scanner) (model.Reviewer, error) {
	var (
		r                    model.Reviewer
		role                 string
		hash                 sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&r.ID, &r.ReviewerID, &r.Name, &role, &hash, &createdAt, &updatedAt); err != nil {
		return model.Reviewer{}, err
	}
	r.Role = model.Role(role)
	r.APIKeyHash = strPtr(hash)
	var err error
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Reviewer{}, err
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Reviewer{}, err
	}
	return r, nil
}
