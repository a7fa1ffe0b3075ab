package zendesk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

// Webhook headers set by Zendesk on every delivery.
const (
	HeaderSignature    = "X-Zendesk-Webhook-Signature"
	HeaderTimestamp    = "X-Zendesk-Webhook-Signature-Timestamp"
	HeaderInvocationID = "X-Zendesk-Webhook-Invocation-Id"
)

// FlexString accepts a JSON string or number. Trigger placeholders render
// ticket IDs either way depending on how the trigger body is written.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// TagList accepts tags as a JSON array or as a single string separated by
// commas or spaces ({{ticket.tags}} renders space-separated).
type TagList []string

func (t *TagList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*t = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("tags must be a string or an array of strings: %w", err)
	}
	*t = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	return nil
}

// WebhookPayload is the body a ticket-created trigger posts.
type WebhookPayload struct {
	TicketID       FlexString `json:"ticket_id"`
	Subject        string     `json:"subject"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	Priority       *string    `json:"priority,omitempty"`
	RequesterEmail string     `json:"requester_email"`
	RequesterName  string     `json:"requester_name"`
	CreatedAt      string     `json:"created_at"`
	Tags           TagList    `json:"tags,omitempty"`
	Channel        *string    `json:"channel,omitempty"`

	// UpdatedAt, when present, becomes the run's concurrency stamp.
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ParseWebhook decodes and validates a webhook body.
func ParseWebhook(body []byte) (WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookPayload{}, &model.InvalidInputError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	if err := p.Validate(); err != nil {
		return WebhookPayload{}, err
	}
	return p, nil
}

// Validate checks required fields.
func (p WebhookPayload) Validate() error {
	if strings.TrimSpace(string(p.TicketID)) == "" {
		return &model.InvalidInputError{Field: "ticket_id", Reason: "is required"}
	}
	if strings.TrimSpace(p.Subject) == "" && strings.TrimSpace(p.Description) == "" {
		return &model.InvalidInputError{Field: "subject", Reason: "subject or description must be non-empty"}
	}
	if strings.TrimSpace(p.Status) == "" {
		return &model.InvalidInputError{Field: "status", Reason: "is required"}
	}
	if !strings.Contains(p.RequesterEmail, "@") {
		return &model.InvalidInputError{Field: "requester_email", Reason: "must be an email address"}
	}
	if strings.TrimSpace(p.CreatedAt) == "" {
		return &model.InvalidInputError{Field: "created_at", Reason: "is required"}
	}
	return nil
}

// createdAtLayouts covers ISO timestamps and the format Zendesk placeholders
// render in trigger bodies.
var createdAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"January 2, 2006 15:04",
	"Jan 2, 2006 15:04",
}

// Ticket converts the payload to a TicketRecord. An unparseable created_at
// falls back to receivedAt.
func (p WebhookPayload) Ticket(receivedAt time.Time) (model.TicketRecord, error) {
	rec := model.TicketRecord{
		ID:             strings.TrimSpace(string(p.TicketID)),
		Subject:        p.Subject,
		Body:           p.Description,
		RequesterEmail: strings.TrimSpace(p.RequesterEmail),
		RequesterName:  strings.TrimSpace(p.RequesterName),
		Status:         strings.ToLower(strings.TrimSpace(p.Status)),
		Tags:           model.NormalizeTags(p.Tags),
		CreatedAt:      receivedAt.UTC(),
	}
	if p.Priority != nil {
		if pr := strings.ToLower(strings.TrimSpace(*p.Priority)); pr != "" && pr != "-" {
			rec.Priority = &pr
		}
	}
	if p.Channel != nil {
		if ch := strings.TrimSpace(*p.Channel); ch != "" {
			rec.Channel = &ch
		}
	}
	for _, layout := range createdAtLayouts {
		if ts, err := time.Parse(layout, strings.TrimSpace(p.CreatedAt)); err == nil {
			rec.CreatedAt = ts.UTC()
			break
		}
	}
	if _, err := strconv.ParseInt(rec.ID, 10, 64); err != nil {
		return model.TicketRecord{}, &model.InvalidInputError{Field: "ticket_id", Reason: "must be numeric"}
	}
	if err := rec.Validate(); err != nil {
		return model.TicketRecord{}, err
	}
	return rec, nil
}
