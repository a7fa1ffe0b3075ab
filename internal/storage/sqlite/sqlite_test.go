package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/testutil"
)

func classified() model.Classification {
	return model.Classification{Intent: model.IntentQuestion, Urgency: model.UrgencyLow, Topic: "login", Summary: "Cannot log in"}
}

func TestRunRoundTripThroughStates(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	run := model.NewRun(testutil.Ticket("101"), "", nil)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReceived, got.State.Name())
	assert.Equal(t, "101", got.TicketID)
	assert.Equal(t, "ana@example.com", got.State.TicketRecord().RequesterEmail)

	classifying := run.WithState(run.State.(model.Received).Begin())
	classifying.TicketVersion = "2026-03-01T12:00:00Z"
	require.NoError(t, s.SaveTransition(ctx, classifying, model.StateReceived))

	retrieving := classifying.WithState(classifying.State.(model.Classifying).Classified(classified()))
	require.NoError(t, s.SaveTransition(ctx, retrieving, model.StateClassifying))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.IsType(t, model.Retrieving{}, got.State)
	assert.Equal(t, model.IntentQuestion, got.State.(model.Retrieving).Classification.Intent)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.TicketVersion)
	assert.Nil(t, got.CompletedAt)

	failed := retrieving.WithState(model.Fail(retrieving.State, model.ReasonInternal, "boom"))
	require.NoError(t, s.SaveTransition(ctx, failed, model.StateRetrieving))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	f := got.State.(model.Failed)
	assert.Equal(t, model.StateRetrieving, f.LastState)
	assert.Equal(t, "boom", f.Message)
	require.NotNil(t, f.Classification)
	assert.NotNil(t, got.CompletedAt)
}

func TestSaveTransitionGuardsFromState(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	run := model.NewRun(testutil.Ticket("102"), "v1", nil)
	require.NoError(t, s.CreateRun(ctx, run))

	next := run.WithState(run.State.(model.Received).Begin())
	require.NoError(t, s.SaveTransition(ctx, next, model.StateReceived))
	// A second worker holding the stale Received copy loses.
	err := s.SaveTransition(ctx, next, model.StateReceived)
	assert.ErrorIs(t, err, storage.ErrStaleTransition)

	err = s.SaveTransition(ctx, model.NewRun(testutil.Ticket("x"), "", nil), model.StateReceived)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTicketVersionIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	run := model.NewRun(testutil.Ticket("103"), "v1", nil)
	require.NoError(t, s.CreateRun(ctx, run))
	next := run.WithState(run.State.(model.Received).Begin())
	next.TicketVersion = "v2"
	require.NoError(t, s.SaveTransition(ctx, next, model.StateReceived))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.TicketVersion)
}

func TestCancelRequestBlocksNonTerminalTargets(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	run := model.NewRun(testutil.Ticket("104"), "v1", nil)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.RequestCancel(ctx, run.ID))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	next := run.WithState(run.State.(model.Received).Begin())
	assert.ErrorIs(t, s.SaveTransition(ctx, next, model.StateReceived), storage.ErrStaleTransition)

	cancelled := run.WithState(model.Cancel(run.State))
	require.NoError(t, s.SaveTransition(ctx, cancelled, model.StateReceived))

	// Terminal runs cannot be flagged.
	assert.ErrorIs(t, s.RequestCancel(ctx, run.ID), storage.ErrStaleTransition)
}

func awaiting(t *testing.T, s interface {
	CreateRun(context.Context, model.PipelineRun) error
	SaveTransition(context.Context, model.PipelineRun, model.StateName) error
}, ticketID string) model.PipelineRun {
	t.Helper()
	ctx := context.Background()
	run := model.NewRun(testutil.Ticket(ticketID), "v1", nil)
	require.NoError(t, s.CreateRun(ctx, run))
	cls := run.WithState(run.State.(model.Received).Begin())
	require.NoError(t, s.SaveTransition(ctx, cls, model.StateReceived))
	parked := cls.WithState(cls.State.(model.Classifying).Escalate(model.ReasonClassificationUnavailable))
	require.NoError(t, s.SaveTransition(ctx, parked, model.StateClassifying))
	return parked
}

func TestClaimReviewExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)
	run := awaiting(t, s, "105")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.ClaimReview(ctx, run.ID, "reviewer-"+string(rune('a'+i))); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, storage.ErrStaleTransition)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	require.NoError(t, s.ReleaseReview(ctx, run.ID))
	require.NoError(t, s.ClaimReview(ctx, run.ID, "again"))
}

func TestReleaseStaleClaims(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)
	run := awaiting(t, s, "106")
	require.NoError(t, s.ClaimReview(ctx, run.ID, "ghost"))

	n, err := s.ReleaseStaleClaims(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ReleaseStaleClaims(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.ClaimReview(ctx, run.ID, "next"))
}

func TestListStalledAndListRuns(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	active := model.NewRun(testutil.Ticket("201"), "", nil)
	require.NoError(t, s.CreateRun(ctx, active))
	parked := awaiting(t, s, "202")

	ids, err := s.ListStalled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{active.ID}, ids)

	ids, err = s.ListStalled(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	state := model.StateAwaitingReview
	runs, total, err := s.ListRuns(ctx, model.RunFilter{State: &state})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, parked.ID, runs[0].ID)

	runs, total, err = s.ListRuns(ctx, model.RunFilter{TicketID: "201", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, active.ID, runs[0].ID)

	runs, total, err = s.ListRuns(ctx, model.RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 1)
}

func TestCustomerHistorySkipsActiveRuns(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	h, err := s.CustomerHistory(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, s.CreateRun(ctx, model.NewRun(testutil.Ticket("301"), "", nil)))
	h, err = s.CustomerHistory(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Nil(t, h, "the active run is the one asking")

	awaiting(t, s, "302")
	h, err = s.CustomerHistory(ctx, "ANA@example.com")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "1", h["prior_tickets"])
	assert.Equal(t, "1", h["escalated_runs"])
	assert.Equal(t, "awaiting_review", h["last_outcome"])
	assert.Equal(t, "Ana", h["name"])
}

func TestEventsInsertAndList(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	run := model.NewRun(testutil.Ticket("401"), "", nil)
	first := model.NewRunEvent(run, "", nil)
	next := run.WithState(run.State.(model.Received).Begin())
	second := model.NewRunEvent(next, model.StateReceived, map[string]any{"k": "v"})
	second.OccurredAt = first.OccurredAt.Add(time.Millisecond)

	n, err := s.InsertEvents(ctx, []model.RunEvent{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.InsertEvents(ctx, []model.RunEvent{first})
	require.NoError(t, err)
	assert.Zero(t, n, "replayed events are skipped")

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.StateReceived, events[0].To)
	assert.Equal(t, model.StateReceived, events[1].From)
	assert.Equal(t, model.StateClassifying, events[1].To)
	assert.Equal(t, "v", events[1].Detail["k"])
}

func TestDeliveryIdempotency(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	existing, err := s.BeginDelivery(ctx, "inv-1", "501")
	require.NoError(t, err)
	assert.Nil(t, existing)

	_, err = s.BeginDelivery(ctx, "inv-1", "501")
	assert.ErrorIs(t, err, storage.ErrDuplicateDelivery)

	runID := uuid.New()
	require.NoError(t, s.CompleteDelivery(ctx, "inv-1", runID))
	existing, err = s.BeginDelivery(ctx, "inv-1", "501")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, runID, *existing)

	_, err = s.BeginDelivery(ctx, "inv-2", "502")
	require.NoError(t, err)
	require.NoError(t, s.ClearDelivery(ctx, "inv-2"))
	existing, err = s.BeginDelivery(ctx, "inv-2", "502")
	require.NoError(t, err)
	assert.Nil(t, existing)

	n, err := s.CleanupDeliveries(ctx, -time.Minute, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReviewers(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	hash := "argon2id$x"
	now := time.Now().UTC()
	r := model.Reviewer{ID: uuid.New(), ReviewerID: "ana", Name: "Ana", Role: model.RoleReviewer, APIKeyHash: &hash, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateReviewer(ctx, r))
	assert.ErrorIs(t, s.CreateReviewer(ctx, r), storage.ErrAlreadyExists)

	got, err := s.GetReviewer(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, model.RoleReviewer, got.Role)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)

	_, err = s.GetReviewer(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListReviewers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTicketIndexSearch(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLite(t)

	put := func(ticketID string, intent model.Intent, vec []float32) model.IndexedTicket {
		it := model.IndexedTicket{
			ID: model.IndexID(ticketID), TicketID: ticketID, Intent: intent,
			Excerpt: "excerpt " + ticketID, Embedding: vec, IndexedAt: time.Now(),
		}
		require.NoError(t, s.UpsertIndexedTicket(ctx, it))
		return it
	}
	near := put("1", model.IntentQuestion, []float32{1, 0, 0})
	put("2", model.IntentQuestion, []float32{0, 1, 0})
	put("3", model.IntentBilling, []float32{1, 0.1, 0})
	// Re-indexing replaces rather than duplicates.
	put("1", model.IntentQuestion, []float32{1, 0.01, 0})

	hits, err := s.SearchIndexedTickets(ctx, []float32{1, 0, 0}, model.IntentQuestion, "", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = s.SearchIndexedTickets(ctx, []float32{1, 0, 0}, "", "1", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.IndexID("3"), hits[0].ID)

	got, err := s.GetIndexedTickets(ctx, []uuid.UUID{near.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "excerpt 1", got[0].Excerpt)
}
