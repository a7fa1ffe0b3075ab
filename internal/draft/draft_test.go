package draft

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

var fastPolicy = llm.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func ticket() model.TicketRecord {
	return model.TicketRecord{ID: "7", Subject: "Billing question", Body: "Why was I charged twice?", RequesterName: "Dana"}
}

func billing() model.Classification {
	return model.Classification{Intent: model.IntentBilling, Urgency: model.UrgencyLow, Topic: "charges", Summary: "Customer was charged twice."}
}

func TestParseResponse_MultilineReply(t *testing.T) {
	res, err := ParseResponse("CONFIDENCE: 0.95\nNEEDS_REVIEW: no\nREPLY:\nHi Dana,\n\nWe refunded the duplicate charge.\n\nThanks")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, res.Draft.Confidence, 1e-9)
	assert.False(t, res.Draft.NeedsHumanReview)
	assert.Equal(t, "Hi Dana,\n\nWe refunded the duplicate charge.\n\nThanks", res.Draft.Body)
	assert.False(t, res.MissingConfidence)
}

func TestParseResponse_ReplyOnSameLine(t *testing.T) {
	res, err := ParseResponse("confidence: 87%\nneeds review: yes\nreply: Thanks, looking into it.")
	require.NoError(t, err)
	assert.InDelta(t, 0.87, res.Draft.Confidence, 1e-9)
	assert.True(t, res.Draft.NeedsHumanReview)
	assert.Equal(t, "Thanks, looking into it.", res.Draft.Body)
}

func TestParseResponse_MissingConfidenceScoresZero(t *testing.T) {
	res, err := ParseResponse("REPLY: hello")
	require.NoError(t, err)
	assert.Zero(t, res.Draft.Confidence)
	assert.True(t, res.MissingConfidence)

	res, err = ParseResponse("CONFIDENCE: very\nREPLY: hello")
	require.NoError(t, err)
	assert.True(t, res.MissingConfidence)
}

func TestParseResponse_ConfidenceLinesAfterReplyAreBody(t *testing.T) {
	res, err := ParseResponse("REPLY:\nline one\nCONFIDENCE: 0.99")
	require.NoError(t, err)
	assert.Zero(t, res.Draft.Confidence)
	assert.Contains(t, res.Draft.Body, "CONFIDENCE: 0.99")
}

func TestParseResponse_Clamps(t *testing.T) {
	v, ok := parseConfidence(" [95] ")
	require.True(t, ok)
	assert.InDelta(t, 0.95, v, 1e-9)

	v, ok = parseConfidence("-0.2")
	require.True(t, ok)
	assert.Zero(t, v)

	v, ok = parseConfidence("250%")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestParseResponse_NonFiniteConfidenceIsMissing(t *testing.T) {
	for _, raw := range []string{"nan", "NaN", "inf", "-Inf", "+infinity", "1e400"} {
		res, err := ParseResponse("CONFIDENCE: " + raw + "\nNEEDS_REVIEW: no\nREPLY:\nHello.")
		require.NoError(t, err, raw)
		assert.Zero(t, res.Draft.Confidence, raw)
		assert.True(t, res.MissingConfidence, raw)
	}
}

func TestParseResponse_MissingReplyIsMalformed(t *testing.T) {
	for _, in := range []string{"", "CONFIDENCE: 0.9", "CONFIDENCE: 0.9\nREPLY:\n   "} {
		_, err := ParseResponse(in)
		assert.True(t, errors.Is(err, llm.ErrMalformed), "input %q", in)
	}
}

func TestFormatPrompt_IncludesSummaryExcerptsAndHistory(t *testing.T) {
	rc := model.RetrievedContext{
		Excerpts: []string{"Duplicate charges are refunded in 3 days.", "  ", "Check the billing page."},
		History:  map[string]string{"plan": "pro", "open_tickets": "1"},
	}
	p := FormatPrompt(ticket(), billing(), rc)
	assert.Contains(t, p, "Customer was charged twice.")
	assert.Contains(t, p, "1. Duplicate charges are refunded in 3 days.")
	assert.Contains(t, p, "2. Check the billing page.")
	assert.Contains(t, p, "- open_tickets: 1\n- plan: pro")
	assert.Contains(t, p, "Dana")
}

func TestFormatPrompt_TruncatesOnRuneBoundary(t *testing.T) {
	tk := ticket()
	tk.Body = "a" + strings.Repeat("請求", maxPromptBody)
	rc := model.RetrievedContext{Excerpts: []string{"b" + strings.Repeat("返金", maxPromptExcerpt)}}

	p := FormatPrompt(tk, billing(), rc)
	assert.True(t, utf8.ValidString(p))
	assert.Contains(t, p, "[truncated]")
}

func TestFormatPrompt_NoContextSections(t *testing.T) {
	p := FormatPrompt(ticket(), billing(), model.RetrievedContext{})
	assert.NotContains(t, p, "Resolved tickets similar")
	assert.NotContains(t, p, "Customer history")
}

func TestDraft_ComplexAlwaysNeedsReview(t *testing.T) {
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		return "CONFIDENCE: 0.99\nNEEDS_REVIEW: no\nREPLY: All sorted!", nil
	})
	c := billing()
	c.Intent = model.IntentComplex

	got, err := New(stub, fastPolicy, nil).Draft(context.Background(), ticket(), c, model.RetrievedContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.99, got.Confidence, 1e-9)
	assert.True(t, got.NeedsHumanReview)
}

func TestDraft_CriticalAlwaysNeedsReview(t *testing.T) {
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		return "CONFIDENCE: 1\nNEEDS_REVIEW: no\nREPLY: Fixed.", nil
	})
	c := billing()
	c.Urgency = model.UrgencyCritical

	got, err := New(stub, fastPolicy, nil).Draft(context.Background(), ticket(), c, model.RetrievedContext{})
	require.NoError(t, err)
	assert.True(t, got.NeedsHumanReview)
}

func TestDraft_ExhaustionIsDraftGenerationError(t *testing.T) {
	var calls atomic.Int32
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "I would rather not.", nil
	})
	_, err := New(stub, fastPolicy, nil).Draft(context.Background(), ticket(), billing(), model.RetrievedContext{})
	var dge *model.DraftGenerationError
	require.ErrorAs(t, err, &dge)
	assert.Equal(t, int32(3), calls.Load())
}
