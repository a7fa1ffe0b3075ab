// Package classify assigns intent, urgency, topic and a summary to a ticket
// with one model call.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// maxPromptBody caps how much of the ticket body is sent to the model.
const maxPromptBody = 8000

const classifyPrompt = `You are the triage classifier for a customer support desk.

Ticket subject: %s
Requester: %s
Existing tags: %s
Ticket body:
%s

Classify the ticket. Answer with exactly these four lines and nothing else:
INTENT: one of [question, bug, billing, feature, complex]
URGENCY: one of [low, medium, high, critical]
TOPIC: a short noun phrase naming the product area
SUMMARY: one sentence a support agent could read instead of the ticket

Use "complex" when the ticket mixes several requests, needs account-level
investigation, or does not fit the other intents. Use "critical" only for
outages, data loss, or security problems.`

// Classifier calls the model service and parses its reply into a
// model.Classification.
type Classifier struct {
	llm     llm.Completer
	policy  llm.RetryPolicy
	logger  *slog.Logger
	coerced metric.Int64Counter
}

// New creates a Classifier.
func New(c llm.Completer, policy llm.RetryPolicy, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	coerced, _ := telemetry.Meter("kotae/classify").Int64Counter("kotae.classifier.coerced",
		metric.WithDescription("Classifier outputs outside the enumeration that were coerced"))
	return &Classifier{llm: c, policy: policy, logger: logger, coerced: coerced}
}

// Classify returns the classification for t. It fails with
// *model.InvalidInputError when the ticket has no text and with
// *model.ClassificationUnavailableError once retries are exhausted.
// Out-of-enumeration values never fail; they are coerced and counted.
func (c *Classifier) Classify(ctx context.Context, t model.TicketRecord) (model.Classification, error) {
	if !t.HasContent() {
		return model.Classification{}, &model.InvalidInputError{Field: "subject", Reason: "subject or body must be non-empty"}
	}

	result, attempts, err := llm.Call(ctx, c.llm, FormatPrompt(t), ParseResponse, c.policy, c.logger)
	if err != nil {
		return model.Classification{}, &model.ClassificationUnavailableError{Err: fmt.Errorf("after %d attempts: %w", attempts, err)}
	}

	for _, field := range result.Coerced {
		c.logger.Warn("classify: model output outside enumeration, coerced",
			"ticket_id", t.ID, "field", field,
			"intent", result.Intent, "urgency", result.Urgency)
		if c.coerced != nil {
			c.coerced.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
		}
	}
	return result, nil
}

// FormatPrompt builds the classification prompt for t.
func FormatPrompt(t model.TicketRecord) string {
	body := llm.Truncate(t.Body, maxPromptBody, "\n[truncated]")
	tags := "none"
	if len(t.Tags) > 0 {
		tags = strings.Join(t.Tags, ", ")
	}
	requester := t.RequesterName
	if requester == "" {
		requester = t.RequesterEmail
	}
	return fmt.Sprintf(classifyPrompt, t.Subject, requester, tags, body)
}

// ParseResponse extracts the four classification lines from a model reply.
// A reply with neither an INTENT nor an URGENCY line is malformed and worth
// retrying. Values outside the enumeration are coerced to complex/medium and
// listed in Coerced.
func ParseResponse(response string) (model.Classification, error) {
	var intent, urgency, topic, summary string
	var sawIntent, sawUrgency bool

	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*# "))
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "intent:"):
			intent, sawIntent = normalize(trimmed[len("intent:"):]), true
		case strings.HasPrefix(lower, "urgency:"):
			urgency, sawUrgency = normalize(trimmed[len("urgency:"):]), true
		case strings.HasPrefix(lower, "topic:"):
			topic = strings.TrimSpace(trimmed[len("topic:"):])
		case strings.HasPrefix(lower, "summary:"):
			summary = strings.TrimSpace(trimmed[len("summary:"):])
		}
	}

	if !sawIntent && !sawUrgency {
		return model.Classification{}, llm.Malformed("classify: no INTENT or URGENCY line found in response")
	}

	out := model.Classification{
		Intent:  model.Intent(intent),
		Urgency: model.Urgency(urgency),
		Topic:   topic,
		Summary: summary,
	}
	if !out.Intent.Valid() {
		out.Intent = model.IntentComplex
		out.Coerced = append(out.Coerced, "intent")
	}
	if !out.Urgency.Valid() {
		out.Urgency = model.UrgencyMedium
		out.Coerced = append(out.Coerced, "urgency")
	}
	return out, nil
}

// normalize lowercases and strips brackets, quotes and trailing punctuation
// (e.g. "[Billing]." becomes "billing").
func normalize(v string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(v)), "[]\"'`. ")
}
