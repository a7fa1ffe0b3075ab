package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/testutil"
)

func heldRun(t *testing.T, ticketID string, rc *model.RetrievedContext, d *model.Draft, updated time.Time) model.PipelineRun {
	t.Helper()
	run := model.NewRun(testutil.Ticket(ticketID), "v1", nil).WithState(model.AwaitingReview{
		Ticket:         testutil.Ticket(ticketID),
		Classification: &model.Classification{Intent: model.IntentQuestion, Urgency: model.UrgencyLow, Topic: "login"},
		Context:        rc,
		Draft:          d,
		Reason:         model.ReasonNeedsReview,
	})
	run.UpdatedAt = updated
	return run
}

func TestCompactRun(t *testing.T) {
	long := strings.Repeat("word ", 400)
	run := heldRun(t, "7",
		&model.RetrievedContext{Excerpts: []string{"a", "b"}, Degraded: []string{"qdrant"}},
		&model.Draft{Body: long, Confidence: 0.7}, time.Now())

	m := compactRun(run)
	assert.Equal(t, "7", m["ticket_id"])
	assert.Equal(t, model.StateAwaitingReview, m["state"])
	assert.Equal(t, model.IntentQuestion, m["intent"])
	assert.Equal(t, 0.7, m["confidence"])
	assert.Equal(t, 2, m["similar_tickets"])
	assert.Equal(t, []string{"qdrant"}, m["degraded"])
	assert.True(t, strings.HasSuffix(m["draft"].(string), "..."))
	assert.Len(t, []rune(m["draft"].(string)), maxCompactDraft+3)
	assert.Contains(t, m["review_note"], "Retrieval degraded (qdrant)")
	assert.NotContains(t, m, "parent_run_id")
	assert.NotContains(t, m, "cancel_requested")
}

func TestReviewNote(t *testing.T) {
	tests := []struct {
		name string
		snap model.RunSnapshot
		want string
	}{
		{
			name: "degraded wins",
			snap: model.RunSnapshot{
				Context:        &model.RetrievedContext{Degraded: []string{"history"}},
				Classification: &model.Classification{Coerced: []string{"urgency"}},
			},
			want: "Retrieval degraded (history); the draft was written with partial context.",
		},
		{
			name: "coerced",
			snap: model.RunSnapshot{Classification: &model.Classification{Coerced: []string{"intent"}}},
			want: "Classifier output for intent was out of range and replaced with a fallback.",
		},
		{
			name: "drafter asked",
			snap: model.RunSnapshot{Draft: &model.Draft{NeedsHumanReview: true}},
			want: "The drafter itself asked for a human to check this reply.",
		},
		{
			name: "empty context",
			snap: model.RunSnapshot{Context: &model.RetrievedContext{}},
			want: "No similar tickets or customer history were found.",
		},
		{name: "nothing to say", snap: model.RunSnapshot{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reviewNote(tt.snap))
		})
	}
}

func TestQueueSummary(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "No runs are waiting for review.", queueSummary(nil, 0, now))

	runs := []model.PipelineRun{
		heldRun(t, "1", nil, nil, now.Add(-10*time.Minute)),
		heldRun(t, "2", nil, nil, now.Add(-2*time.Hour)),
	}
	assert.Equal(t, "5 run(s) waiting for review. Oldest: ticket 2, waiting 2h0m0s (needs_review).",
		queueSummary(runs, 5, now))
	assert.Equal(t, "3 run(s) waiting for review.", queueSummary(nil, 3, now))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "日本...", truncate("日本語です", 2), "cuts on runes, not bytes")
}
