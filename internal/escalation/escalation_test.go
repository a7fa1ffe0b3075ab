package escalation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
)

func billing() model.Classification {
	return model.Classification{Intent: model.IntentBilling, Urgency: model.UrgencyLow}
}

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds
	tests := []struct {
		name   string
		draft  model.Draft
		class  model.Classification
		expect model.Decision
	}{
		{"high confidence auto-sends", model.Draft{Confidence: 0.95}, billing(), model.DecisionAutoSend},
		{"exactly auto threshold auto-sends", model.Draft{Confidence: 0.9}, billing(), model.DecisionAutoSend},
		{"review flag blocks auto-send", model.Draft{Confidence: 0.99, NeedsHumanReview: true}, billing(), model.DecisionQueueForReview},
		{"mid confidence queues", model.Draft{Confidence: 0.7}, billing(), model.DecisionQueueForReview},
		{"exactly review threshold queues", model.Draft{Confidence: 0.5}, billing(), model.DecisionQueueForReview},
		{"low confidence rejects", model.Draft{Confidence: 0.49}, billing(), model.DecisionReject},
		{"low confidence with review flag queues", model.Draft{Confidence: 0.1, NeedsHumanReview: true}, billing(), model.DecisionQueueForReview},
		{"complex never auto-sends", model.Draft{Confidence: 0.99},
			model.Classification{Intent: model.IntentComplex, Urgency: model.UrgencyLow}, model.DecisionQueueForReview},
		{"critical never auto-sends", model.Draft{Confidence: 1},
			model.Classification{Intent: model.IntentBug, Urgency: model.UrgencyCritical}, model.DecisionQueueForReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, Evaluate(tt.draft, tt.class, th))
			// Same inputs, same answer.
			assert.Equal(t, tt.expect, Evaluate(tt.draft, tt.class, th))
		})
	}
}

func TestEvaluate_CustomThresholds(t *testing.T) {
	th := Thresholds{AutoSend: 0.6, Review: 0.2}
	assert.Equal(t, model.DecisionAutoSend, Evaluate(model.Draft{Confidence: 0.65}, billing(), th))
	assert.Equal(t, model.DecisionQueueForReview, Evaluate(model.Draft{Confidence: 0.3}, billing(), th))
	assert.Equal(t, model.DecisionReject, Evaluate(model.Draft{Confidence: 0.1}, billing(), th))
}

func TestGate_UsesCurrentPolicy(t *testing.T) {
	store := NewPolicyStore(DefaultPolicy(DefaultThresholds))
	g := NewGate(store)

	dec, p := g.Decide(context.Background(), model.Draft{Confidence: 0.8}, billing())
	assert.Equal(t, model.DecisionQueueForReview, dec)
	assert.Equal(t, int64(1), p.Version)

	store.Set(DefaultPolicy(Thresholds{AutoSend: 0.75, Review: 0.5}))
	dec, p = g.Decide(context.Background(), model.Draft{Confidence: 0.8}, billing())
	assert.Equal(t, model.DecisionAutoSend, dec)
	assert.Equal(t, int64(2), p.Version)
}

func TestParsePolicy_OverridesOnlyGivenFields(t *testing.T) {
	base := DefaultPolicy(DefaultThresholds)
	p, err := ParsePolicy([]byte("thresholds: {auto_send: 0.95, review: 0.6}\n"), base)
	require.NoError(t, err)
	assert.Equal(t, 0.95, p.Thresholds.AutoSend)
	assert.Equal(t, 0.6, p.Thresholds.Review)
	assert.Equal(t, "open", p.Reply.Status)
	assert.Equal(t, []string{"kotae"}, p.Reply.Tags)

	p, err = ParsePolicy([]byte("reply: {status: pending, tags: [bot, triaged]}\n"), base)
	require.NoError(t, err)
	assert.Equal(t, "pending", p.Reply.Status)
	assert.Equal(t, []string{"bot", "triaged"}, p.Reply.Tags)
	assert.Equal(t, []string{"kotae"}, base.Reply.Tags, "base must not be mutated")
}

func TestParsePolicy_EmptyFileKeepsBase(t *testing.T) {
	p, err := ParsePolicy(nil, DefaultPolicy(DefaultThresholds))
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds, p.Thresholds)
}

func TestParsePolicy_Rejects(t *testing.T) {
	base := DefaultPolicy(DefaultThresholds)
	for name, doc := range map[string]string{
		"inverted thresholds": "thresholds: {auto_send: 0.4, review: 0.6}",
		"above one":           "thresholds: {auto_send: 1.2, review: 0.6}",
		"bad status":          "reply: {status: archived}",
		"unknown key":         "thresholds: {autosend: 0.9}",
		"not yaml":            "thresholds: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc), base)
			assert.Error(t, err)
		})
	}
}

func TestBuildUpdate(t *testing.T) {
	p := DefaultPolicy(DefaultThresholds)
	c := model.Classification{Intent: model.IntentBilling, Urgency: model.UrgencyCritical}

	u := p.BuildUpdate(model.TicketRecord{ID: "1"}, &c, "Refunded.", false)
	require.NotNil(t, u.Comment)
	assert.Equal(t, "Refunded.", u.Comment.Body)
	assert.True(t, u.Comment.Public)
	assert.Equal(t, "open", u.Status)
	assert.Equal(t, "urgent", u.Priority)
	assert.Equal(t, []string{"kotae", "kotae-intent-billing"}, u.AdditionalTags)
	assert.NoError(t, u.Validate())

	normal := "normal"
	u = p.BuildUpdate(model.TicketRecord{ID: "1", Priority: &normal}, &c, "Refunded.", true)
	assert.Empty(t, u.Priority, "existing priority must be kept")
	assert.Contains(t, u.AdditionalTags, ReviewedTag)

	u = p.BuildUpdate(model.TicketRecord{ID: "1"}, nil, "Edited by a human.", true)
	assert.Empty(t, u.Priority)
	assert.Equal(t, []string{"kotae", "kotae-reviewed"}, u.AdditionalTags)
}

func TestPolicyWatcher_ReloadsAndKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: {auto_send: 0.9, review: 0.5}\n"), 0o600))

	base := DefaultPolicy(DefaultThresholds)
	store := NewPolicyStore(base)
	w, err := NewPolicyWatcher(path, base, store, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("thresholds: {auto_send: 0.8, review: 0.4}\n"), 0o600))
	require.Eventually(t, func() bool {
		return store.Current().Thresholds.AutoSend == 0.8
	}, 5*time.Second, 10*time.Millisecond)
	good := store.Current().Version

	require.NoError(t, os.WriteFile(path, []byte("thresholds: {auto_send: 0.1, review: 0.9}\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0.8, store.Current().Thresholds.AutoSend)
	assert.Equal(t, good, store.Current().Version)
}
