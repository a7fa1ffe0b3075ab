package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// CreateReviewer inserts a reviewer. A taken reviewer ID returns
// ErrAlreadyExists.
func (db *DB) CreateReviewer(ctx context.Context, r model.Reviewer) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO reviewers (id, reviewer_id, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (reviewer_id) DO NOTHING`,
		r.ID, r.ReviewerID, r.Name, string(r.Role), r.APIKeyHash, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create reviewer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: reviewer %s: %w", r.ReviewerID, ErrAlreadyExists)
	}
	return nil
}

// GetReviewer loads a reviewer by reviewer ID, including the key hash.
func (db *DB) GetReviewer(ctx context.Context, reviewerID string) (model.Reviewer, error) {
	r, err := scanReviewer(db.pool.QueryRow(ctx,
		`SELECT id, reviewer_id, name, role, api_key_hash, created_at, updated_at
		 FROM reviewers WHERE reviewer_id = $1`, reviewerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Reviewer{}, fmt.Errorf("storage: reviewer %s: %w", reviewerID, ErrNotFound)
		}
		return model.Reviewer{}, fmt.Errorf("storage: get reviewer: %w", err)
	}
	return r, nil
}

// ListReviewers returns all reviewers ordered by reviewer ID.
func (db *DB) ListReviewers(ctx context.Context) ([]model.Reviewer, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, reviewer_id, name, role, api_key_hash, created_at, updated_at
		 FROM reviewers ORDER BY reviewer_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviewers: %w", err)
	}
	defer rows.Close()

	var out []model.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan reviewer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReviewer(row pgx.Row) (model.Reviewer, error) {
	var (
		r    model.Reviewer
		role string
	)
	if err := row.Scan(&r.ID, &r.ReviewerID, &r.Name, &role, &r.APIKeyHash, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Reviewer{}, err
	}
	r.Role = model.Role(role)
	return r, nil
}
