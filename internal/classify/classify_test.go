package classify

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

func billingTicket() model.TicketRecord {
	return model.TicketRecord{ID: "7", Subject: "Billing question", Body: "Why was I charged twice?", RequesterEmail: "c@example.com"}
}

func TestParseResponse_Valid(t *testing.T) {
	got, err := ParseResponse("INTENT: billing\nURGENCY: low\nTOPIC: invoices\nSUMMARY: Customer was charged twice.")
	require.NoError(t, err)
	assert.Equal(t, model.IntentBilling, got.Intent)
	assert.Equal(t, model.UrgencyLow, got.Urgency)
	assert.Equal(t, "invoices", got.Topic)
	assert.Equal(t, "Customer was charged twice.", got.Summary)
	assert.Empty(t, got.Coerced)
}

func TestParseResponse_CaseAndDecoration(t *testing.T) {
	response := `
Sure, here is the classification:

- **Intent:** [Bug]
- Urgency: "High".
topic: login
summary: Users cannot log in.
`
	got, err := ParseResponse(strings.ReplaceAll(response, "**", ""))
	require.NoError(t, err)
	assert.Equal(t, model.IntentBug, got.Intent)
	assert.Equal(t, model.UrgencyHigh, got.Urgency)
	assert.Equal(t, "login", got.Topic)
}

func TestParseResponse_CoercesOutOfEnumeration(t *testing.T) {
	got, err := ParseResponse("INTENT: refund\nURGENCY: whenever\nTOPIC: money\nSUMMARY: wants money back")
	require.NoError(t, err)
	assert.Equal(t, model.IntentComplex, got.Intent)
	assert.Equal(t, model.UrgencyMedium, got.Urgency)
	assert.Equal(t, []string{"intent", "urgency"}, got.Coerced)
}

func TestParseResponse_MissingUrgencyIsCoerced(t *testing.T) {
	got, err := ParseResponse("INTENT: feature")
	require.NoError(t, err)
	assert.Equal(t, model.IntentFeature, got.Intent)
	assert.Equal(t, model.UrgencyMedium, got.Urgency)
	assert.Equal(t, []string{"urgency"}, got.Coerced)
}

func TestParseResponse_Malformed(t *testing.T) {
	for _, in := range []string{"", "   ", "I think this is about billing."} {
		_, err := ParseResponse(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, llm.ErrMalformed))
	}
}

// Whatever the model says, the result is inside the enumeration.
func TestParseResponse_AlwaysWithinEnumeration(t *testing.T) {
	inputs := []string{
		"INTENT: question\nURGENCY: critical",
		"INTENT: ???\nURGENCY: ???",
		"INTENT:\nURGENCY:",
		"intent: BILLING\nurgency: LOW",
		"URGENCY: high",
	}
	for _, in := range inputs {
		got, err := ParseResponse(in)
		require.NoError(t, err)
		assert.True(t, got.Intent.Valid(), "intent %q from %q", got.Intent, in)
		assert.True(t, got.Urgency.Valid(), "urgency %q from %q", got.Urgency, in)
	}
}

func TestFormatPrompt(t *testing.T) {
	tk := billingTicket()
	tk.Tags = []string{"vip"}
	tk.Body = strings.Repeat("x", maxPromptBody+10)
	p := FormatPrompt(tk)
	assert.Contains(t, p, "Billing question")
	assert.Contains(t, p, "vip")
	assert.Contains(t, p, "[truncated]")
	assert.Contains(t, p, "c@example.com")

	tk.Body = "é" + strings.Repeat("€", maxPromptBody)
	assert.True(t, utf8.ValidString(FormatPrompt(tk)), "multi-byte body is cut on a rune boundary")
}

func TestClassify_HappyPath(t *testing.T) {
	stub := llm.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		assert.Contains(t, prompt, "Why was I charged twice?")
		return "INTENT: billing\nURGENCY: low\nTOPIC: charges\nSUMMARY: Double charge.", nil
	})
	c := New(stub, fastPolicy, nil)
	got, err := c.Classify(context.Background(), billingTicket())
	require.NoError(t, err)
	assert.Equal(t, model.IntentBilling, got.Intent)
	assert.Equal(t, model.UrgencyLow, got.Urgency)
}

func TestClassify_EmptyTicketIsInvalidInput(t *testing.T) {
	var calls atomic.Int32
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", nil
	})
	_, err := New(stub, fastPolicy, nil).Classify(context.Background(), model.TicketRecord{ID: "1"})
	var invalid *model.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, calls.Load(), "the model must not be called for an empty ticket")
}

func TestClassify_RetriesMalformedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			return "no idea", nil
		}
		return "INTENT: question\nURGENCY: medium", nil
	})
	got, err := New(stub, fastPolicy, nil).Classify(context.Background(), billingTicket())
	require.NoError(t, err)
	assert.Equal(t, model.IntentQuestion, got.Intent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassify_ExhaustionIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	stub := llm.CompleterFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", &llm.StatusError{Provider: "stub", StatusCode: 503}
	})
	_, err := New(stub, fastPolicy, nil).Classify(context.Background(), billingTicket())
	var unavailable *model.ClassificationUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(fastPolicy.MaxAttempts), calls.Load())
	assert.Equal(t, model.ReasonClassificationUnavailable, model.ReasonFor(err))
}
