package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kotae/internal/model"
)

// UpsertIndexedTicket adds or replaces a ticket in the similar-ticket index.
func (db *DB) UpsertIndexedTicket(ctx context.Context, t model.IndexedTicket) error {
	var emb *pgvector.Vector
	if len(t.Embedding) > 0 {
		v := pgvector.NewVector(t.Embedding)
		emb = &v
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO ticket_index (id, ticket_id, intent, excerpt, embedding, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			intent = EXCLUDED.intent, excerpt = EXCLUDED.excerpt,
			embedding = EXCLUDED.embedding, indexed_at = EXCLUDED.indexed_at`,
		t.ID, t.TicketID, string(t.Intent), t.Excerpt, emb, t.IndexedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert indexed ticket: %w", err)
	}
	return nil
}

// GetIndexedTickets loads index entries by ID. Missing IDs are skipped.
func (db *DB) GetIndexedTickets(ctx context.Context, ids []uuid.UUID) ([]model.IndexedTicket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, ticket_id, intent, excerpt, indexed_at FROM ticket_index WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get indexed tickets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.IndexedTicket, error) {
		var (
			t      model.IndexedTicket
			intent string
		)
		err := row.Scan(&t.ID, &t.TicketID, &intent, &t.Excerpt, &t.IndexedAt)
		t.Intent = model.Intent(intent)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan indexed tickets: %w", err)
	}
	return out, nil
}

// SearchIndexedTickets ranks indexed tickets by cosine similarity to vec
// using pgvector. Rows embedded with a different dimension are ignored.
func (db *DB) SearchIndexedTickets(ctx context.Context, vec []float32, intent model.Intent, exclude string, limit int) ([]model.SimilarHit, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, (1 - (embedding <=> $1))::real AS score
		 FROM ticket_index
		 WHERE embedding IS NOT NULL
		   AND vector_dims(embedding) = $2
		   AND ticket_id <> $3
		   AND ($4 = '' OR intent = $4)
		 ORDER BY embedding <=> $1
		 LIMIT $5`,
		pgvector.NewVector(vec), len(vec), exclude, string(intent), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search index: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SimilarHit, error) {
		var h model.SimilarHit
		err := row.Scan(&h.ID, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan search hits: %w", err)
	}
	return hits, nil
}
