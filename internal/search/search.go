// Package search finds resolved tickets similar to a new one. Embeddings are
// searched in Qdrant when it is configured and healthy, with transparent
// fallback to the run store's own vector search.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/embedding"
	"github.com/ashita-ai/kotae/internal/model"
)

// maxExcerptLen bounds the text stored per indexed ticket.
const maxExcerptLen = 2000

// Index is an approximate-nearest-neighbour index over resolved tickets.
// Implementations must be safe for concurrent use.
type Index interface {
	// Search returns point IDs and raw similarity scores. The caller hydrates
	// excerpts from the store, which is the source of truth.
	Search(ctx context.Context, embedding []float32, intent model.Intent, excludeTicketID string, limit int) ([]model.SimilarHit, error)
	Upsert(ctx context.Context, tickets []model.IndexedTicket) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Store holds the index entries. Both storage backends implement it.
type Store interface {
	UpsertIndexedTicket(ctx context.Context, t model.IndexedTicket) error
	GetIndexedTickets(ctx context.Context, ids []uuid.UUID) ([]model.IndexedTicket, error)
	SearchIndexedTickets(ctx context.Context, vec []float32, intent model.Intent, exclude string, limit int) ([]model.SimilarHit, error)
}

// Service embeds tickets and searches them. It serves the retriever's
// similar-ticket lookups and indexes tickets once a reply has been sent.
type Service struct {
	embedder embedding.Provider
	index    Index // nil when Qdrant is not configured
	store    Store
	minScore float32
	logger   *slog.Logger
}

// NewService creates a Service. index may be nil.
func NewService(embedder embedding.Provider, index Index, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		index:    index,
		store:    store,
		minScore: 0.3,
		logger:   logger,
	}
}

// WithMinScore sets the relevance below which hits are dropped.
func (s *Service) WithMinScore(v float32) *Service {
	s.minScore = v
	return s
}

// Similar returns excerpts of resolved tickets that share the ticket's
// intent, most relevant first. A service without embeddings returns nothing.
func (s *Service) Similar(ctx context.Context, t model.TicketRecord, c model.Classification, limit int) ([]string, error) {
	if s.embedder.Dimensions() == 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, queryText(t))
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	q := vec.Slice()
	if len(q) == 0 {
		return nil, nil
	}

	hits, err := s.search(ctx, q, c.Intent, t.ID, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	entries, err := s.store.GetIndexedTickets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: hydrate hits: %w", err)
	}
	byID := make(map[uuid.UUID]model.IndexedTicket, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	ranked := ReScore(hits, byID, s.minScore, limit)
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Excerpt
	}
	return out, nil
}

func (s *Service) search(ctx context.Context, q []float32, intent model.Intent, exclude string, limit int) ([]model.SimilarHit, error) {
	if s.index != nil {
		if err := s.index.Healthy(ctx); err != nil {
			s.logger.Warn("search: index unhealthy, using store", "error", err)
		} else {
			hits, err := s.index.Search(ctx, q, intent, exclude, limit)
			if err == nil {
				return hits, nil
			}
			s.logger.Warn("search: index query failed, using store", "error", err)
		}
	}
	hits, err := s.store.SearchIndexedTickets(ctx, q, intent, exclude, limit*3)
	if err != nil {
		return nil, fmt.Errorf("search: store query: %w", err)
	}
	return hits, nil
}

// IndexResolved records a ticket and the reply sent for it. The store entry
// is written first; a failing Qdrant upsert is logged, and searches keep
// working from the store.
func (s *Service) IndexResolved(ctx context.Context, t model.TicketRecord, c *model.Classification, reply string) error {
	entry := model.IndexedTicket{
		ID:        model.IndexID(t.ID),
		TicketID:  t.ID,
		Excerpt:   Excerpt(t, reply),
		IndexedAt: time.Now().UTC(),
	}
	if c != nil {
		entry.Intent = c.Intent
	}
	if s.embedder.Dimensions() > 0 {
		vec, err := s.embedder.Embed(ctx, queryText(t))
		if err != nil {
			return fmt.Errorf("search: embed resolved ticket: %w", err)
		}
		entry.Embedding = vec.Slice()
	}

	if err := s.store.UpsertIndexedTicket(ctx, entry); err != nil {
		return fmt.Errorf("search: index ticket %s: %w", t.ID, err)
	}
	if s.index != nil && len(entry.Embedding) > 0 {
		if err := s.index.Upsert(ctx, []model.IndexedTicket{entry}); err != nil {
			s.logger.Warn("search: index upsert failed", "ticket_id", t.ID, "error", err)
		}
	}
	return nil
}

// Healthy reports the ANN index state: "disabled" without Qdrant, otherwise
// "ok" or "unreachable".
func (s *Service) Healthy(ctx context.Context) string {
	if s.index == nil {
		return "disabled"
	}
	if err := s.index.Healthy(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}

func queryText(t model.TicketRecord) string {
	return strings.TrimSpace(t.Subject + "\n\n" + t.Body)
}

// Excerpt is the text stored for a resolved ticket: what was asked and what
// was answered, cut to a bounded length.
func Excerpt(t model.TicketRecord, reply string) string {
	var b strings.Builder
	if t.Subject != "" {
		b.WriteString("Q: ")
		b.WriteString(strings.TrimSpace(t.Subject))
		b.WriteString("\n")
	}
	b.WriteString("A: ")
	b.WriteString(strings.TrimSpace(reply))
	out := b.String()
	if len(out) > maxExcerptLen {
		out = strings.ToValidUTF8(out[:maxExcerptLen], "")
	}
	return out
}

// ReScore weights raw similarity by recency, drops hits below minScore or
// missing from entries, sorts descending, and truncates to limit.
//
// Formula: relevance = similarity * (1.0 / (1.0 + age_days / 180.0))
func ReScore(hits []model.SimilarHit, entries map[uuid.UUID]model.IndexedTicket, minScore float32, limit int) []model.IndexedTicket {
	type scored struct {
		entry     model.IndexedTicket
		relevance float64
	}
	now := time.Now()
	out := make([]scored, 0, len(hits))
	seen := make(map[uuid.UUID]bool, len(hits))

	for _, h := range hits {
		e, ok := entries[h.ID]
		if !ok || seen[h.ID] {
			// Entry was replaced or removed between search and hydration.
			continue
		}
		seen[h.ID] = true
		ageDays := math.Max(0, now.Sub(e.IndexedAt).Hours()/24.0)
		relevance := float64(h.Score) * (1.0 / (1.0 + ageDays/180.0))
		if relevance < float64(minScore) {
			continue
		}
		out = append(out, scored{entry: e, relevance: relevance})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].relevance > out[j].relevance
	})
	if len(out) > limit {
		out = out[:limit]
	}
	result := make([]model.IndexedTicket, len(out))
	for i, s := range out {
		result[i] = s.entry
	}
	return result
}
