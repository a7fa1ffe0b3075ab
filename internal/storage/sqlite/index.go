package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// UpsertIndexedTicket adds or replaces a ticket in the similar-ticket index.
func (s *Store) UpsertIndexedTicket(ctx context.Context, t model.IndexedTicket) error {
	emb := sql.NullString{}
	if len(t.Embedding) > 0 {
		raw, err := json.Marshal(t.Embedding)
		if err != nil {
			return fmt.Errorf("sqlite: encode embedding: %w", err)
		}
		emb = sql.NullString{String: string(raw), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ticket_index (id, ticket_id, intent, excerpt, embedding, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			intent = excluded.intent, excerpt = excluded.excerpt,
			embedding = excluded.embedding, indexed_at = excluded.indexed_at`,
		t.ID.String(), t.TicketID, string(t.Intent), t.Excerpt, emb, ts(t.IndexedAt)); err != nil {
		return fmt.Errorf("sqlite: upsert indexed ticket: %w", err)
	}
	return nil
}

// GetIndexedTickets loads index entries by ID. Missing IDs are skipped.
func (s *Store) GetIndexedTickets(ctx context.Context, ids []uuid.UUID) ([]model.IndexedTicket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, intent, excerpt, indexed_at FROM ticket_index
		 WHERE id IN (?`+strings.Repeat(", ?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get indexed tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IndexedTicket
	for rows.Next() {
		var (
			t                 model.IndexedTicket
			intent, indexedAt string
		)
		if err := rows.Scan(&t.ID, &t.TicketID, &intent, &t.Excerpt, &indexedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan indexed ticket: %w", err)
		}
		t.Intent = model.Intent(intent)
		if t.IndexedAt, err = parseTS(indexedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchIndexedTickets ranks indexed tickets by cosine similarity to vec.
// There is no vector index here, so every candidate is scored in memory;
// that is fine for the single-node deployments this store serves.
func (s *Store) SearchIndexedTickets(ctx context.Context, vec []float32, intent model.Intent, exclude string, limit int) ([]model.SimilarHit, error) {
	query := `SELECT id, embedding FROM ticket_index WHERE embedding IS NOT NULL AND ticket_id != ?`
	args := []any{exclude}
	if intent != "" {
		query += ` AND intent = ?`
		args = append(args, string(intent))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []model.SimilarHit
	for rows.Next() {
		var (
			id  uuid.UUID
			raw string
			emb []float32
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan index row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &emb); err != nil {
			return nil, fmt.Errorf("sqlite: decode embedding: %w", err)
		}
		if score, ok := cosine(vec, emb); ok {
			hits = append(hits, model.SimilarHit{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(hits, func(a, b model.SimilarHit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) (float32, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), true
}
