package escalation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kotae/internal/model"
)

// Tags added to every ticket the pipeline replies to.
const (
	IntentTagPrefix = "kotae-intent-"
	ReviewedTag     = "kotae-reviewed"
)

// ReplyPolicy shapes the ticket update sent with a reply.
type ReplyPolicy struct {
	Status              string   `yaml:"status"`
	Public              bool     `yaml:"public"`
	Tags                []string `yaml:"tags"`
	IntentTags          bool     `yaml:"intent_tags"`
	PriorityFromUrgency bool     `yaml:"priority_from_urgency"`
}

// Policy is one immutable version of the escalation policy.
type Policy struct {
	Thresholds Thresholds  `yaml:"thresholds"`
	Reply      ReplyPolicy `yaml:"reply"`

	// Version increases with every successful load.
	Version int64  `yaml:"-"`
	Source  string `yaml:"-"`
}

// DefaultPolicy returns the built-in policy with the given thresholds.
func DefaultPolicy(th Thresholds) *Policy {
	return &Policy{
		Thresholds: th,
		Reply: ReplyPolicy{
			Status:              "open",
			Public:              true,
			Tags:                []string{"kotae"},
			IntentTags:          true,
			PriorityFromUrgency: true,
		},
		Source: "defaults",
	}
}

// Validate checks threshold ordering and reply field values.
func (p *Policy) Validate() error {
	th := p.Thresholds
	if th.Review < 0 || th.Review > th.AutoSend || th.AutoSend > 1 {
		return fmt.Errorf("escalation: thresholds must satisfy 0 <= review (%.2f) <= auto_send (%.2f) <= 1", th.Review, th.AutoSend)
	}
	if p.Reply.Status != "" && !model.ValidStatus(p.Reply.Status) {
		return fmt.Errorf("escalation: invalid reply status %q", p.Reply.Status)
	}
	for _, tag := range p.Reply.Tags {
		if tag == "" {
			return fmt.Errorf("escalation: reply tags must not be empty")
		}
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Fields the file omits keep the values
// of base, so a file may override only the thresholds.
func LoadPolicy(path string, base *Policy) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("escalation: read policy: %w", err)
	}
	return ParsePolicy(raw, base)
}

// ParsePolicy decodes a YAML policy over a copy of base. Unknown keys are
// rejected so a typo does not silently fall back to a default.
func ParsePolicy(raw []byte, base *Policy) (*Policy, error) {
	p := *base
	p.Reply.Tags = slices.Clone(base.Reply.Tags)

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("escalation: parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// BuildUpdate renders the ticket update for a reply. Priority is only set
// when the ticket has none, so a human's triage is never overwritten.
func (p *Policy) BuildUpdate(t model.TicketRecord, c *model.Classification, body string, reviewed bool) model.TicketUpdate {
	u := model.TicketUpdate{
		Status:  p.Reply.Status,
		Comment: &model.Comment{Body: body, Public: p.Reply.Public},
	}
	tags := slices.Clone(p.Reply.Tags)
	if c != nil {
		if p.Reply.IntentTags {
			tags = append(tags, IntentTagPrefix+string(c.Intent))
		}
		if p.Reply.PriorityFromUrgency && (t.Priority == nil || *t.Priority == "") {
			u.Priority = c.Urgency.ZendeskPriority()
		}
	}
	if reviewed {
		tags = append(tags, ReviewedTag)
	}
	u.AdditionalTags = model.NormalizeTags(tags)
	return u
}

// PolicyStore holds the current policy. Readers get an immutable snapshot;
// writers swap it atomically.
type PolicyStore struct {
	current atomic.Pointer[Policy]
	version atomic.Int64
}

// NewPolicyStore creates a store holding initial.
func NewPolicyStore(initial *Policy) *PolicyStore {
	s := &PolicyStore{}
	s.Set(initial)
	return s
}

// Current returns the active policy.
func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// Set installs p as the active policy and stamps its version.
func (s *PolicyStore) Set(p *Policy) {
	cp := *p
	cp.Version = s.version.Add(1)
	s.current.Store(&cp)
}
