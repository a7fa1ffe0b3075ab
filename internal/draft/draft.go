// Package draft produces a candidate reply for a classified ticket.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
)

const (
	maxPromptBody    = 8000
	maxPromptExcerpt = 1500
)

const draftPrompt = `You are a customer support agent writing a reply to a ticket.

Ticket subject: %s
Customer: %s
Ticket body:
%s

Triage summary: %s
Intent: %s
Urgency: %s
Topic: %s
%s%s
Write a reply that answers the customer directly, in a friendly and concise
tone. Only promise what the material above supports. Then rate how confident
you are that the reply fully resolves the ticket without a human checking it.

Answer in exactly this format:
CONFIDENCE: a number between 0 and 1
NEEDS_REVIEW: yes or no
REPLY:
the reply text, which may span several lines`

// Result is a parsed drafter reply. MissingConfidence is set when the model
// omitted or garbled the CONFIDENCE line and the score defaulted to 0.
type Result struct {
	Draft             model.Draft
	MissingConfidence bool
}

// Drafter calls the model service to draft replies.
type Drafter struct {
	llm    llm.Completer
	policy llm.RetryPolicy
	logger *slog.Logger
}

// New creates a Drafter.
func New(c llm.Completer, policy llm.RetryPolicy, logger *slog.Logger) *Drafter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drafter{llm: c, policy: policy, logger: logger}
}

// Draft produces a reply for t. Complex or critical tickets always come back
// with NeedsHumanReview set, whatever the model's confidence. It fails with
// *model.DraftGenerationError once retries are exhausted.
func (d *Drafter) Draft(ctx context.Context, t model.TicketRecord, c model.Classification, rc model.RetrievedContext) (model.Draft, error) {
	result, attempts, err := llm.Call(ctx, d.llm, FormatPrompt(t, c, rc), ParseResponse, d.policy, d.logger)
	if err != nil {
		return model.Draft{}, &model.DraftGenerationError{Err: fmt.Errorf("after %d attempts: %w", attempts, err)}
	}
	if result.MissingConfidence {
		d.logger.Warn("draft: model reply had no usable confidence, scored 0", "ticket_id", t.ID)
	}

	out := result.Draft
	if c.RequiresHuman() {
		out.NeedsHumanReview = true
	}
	return out, nil
}

// FormatPrompt builds the drafting prompt. The classification summary and
// every non-empty excerpt are included.
func FormatPrompt(t model.TicketRecord, c model.Classification, rc model.RetrievedContext) string {
	body := llm.Truncate(t.Body, maxPromptBody, "\n[truncated]")
	customer := t.RequesterName
	if customer == "" {
		customer = t.RequesterEmail
	}

	var excerpts strings.Builder
	n := 0
	for _, ex := range rc.Excerpts {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		if n == 0 {
			excerpts.WriteString("\nResolved tickets similar to this one:\n")
		}
		n++
		ex = llm.Truncate(ex, maxPromptExcerpt, " [truncated]")
		fmt.Fprintf(&excerpts, "%d. %s\n", n, ex)
	}

	var history strings.Builder
	if len(rc.History) > 0 {
		history.WriteString("\nCustomer history:\n")
		keys := make([]string, 0, len(rc.History))
		for k := range rc.History {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&history, "- %s: %s\n", k, rc.History[k])
		}
	}

	return fmt.Sprintf(draftPrompt, t.Subject, customer, body,
		c.Summary, c.Intent, c.Urgency, c.Topic,
		excerpts.String(), history.String())
}

// ParseResponse extracts confidence, the review flag and the reply body. A
// missing or empty REPLY is malformed. A missing confidence scores 0, which
// keeps the draft away from auto-send.
func ParseResponse(response string) (Result, error) {
	lines := strings.Split(strings.TrimSpace(response), "\n")

	var (
		res       Result
		haveConf  bool
		replyFrom = -1
	)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "confidence:"):
			if v, ok := parseConfidence(trimmed[len("confidence:"):]); ok {
				res.Draft.Confidence, haveConf = v, true
			}
		case strings.HasPrefix(lower, "needs_review:"), strings.HasPrefix(lower, "needs review:"):
			v := strings.ToLower(strings.TrimSpace(trimmed[strings.IndexByte(trimmed, ':')+1:]))
			res.Draft.NeedsHumanReview = v == "yes" || v == "true"
		case strings.HasPrefix(lower, "reply:"):
			first := strings.TrimSpace(trimmed[len("reply:"):])
			rest := lines[i+1:]
			if first != "" {
				rest = append([]string{first}, rest...)
			}
			res.Draft.Body = strings.TrimSpace(strings.Join(rest, "\n"))
			replyFrom = i
		}
		if replyFrom >= 0 {
			break
		}
	}

	if replyFrom < 0 || res.Draft.Body == "" {
		return Result{}, llm.Malformed("draft: no REPLY section found in response")
	}
	res.MissingConfidence = !haveConf
	return res, nil
}

// parseConfidence accepts "0.87", "87%" and "[0.87]", clamping to [0,1].
func parseConfidence(raw string) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "[]. ")
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if percent || v > 1 {
		v /= 100
	}
	return min(max(v, 0), 1), true
}
