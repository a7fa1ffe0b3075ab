// Package model defines the core domain types for Kotae.
//
// A pipeline run moves through a fixed sequence of states. Each state is a
// distinct Go type carrying exactly the data guaranteed to exist at that
// point, so a Deciding run always has a classification and a draft and a
// Received run never has either.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateName identifies a pipeline state. It is the persisted discriminator
// of the State variant.
type StateName string

const (
	StateReceived       StateName = "received"
	StateClassifying    StateName = "classifying"
	StateRetrieving     StateName = "retrieving"
	StateDrafting       StateName = "drafting"
	StateDeciding       StateName = "deciding"
	StateAutoSent       StateName = "auto_sent"
	StateAwaitingReview StateName = "awaiting_review"
	StateRejected       StateName = "rejected"
	StateFailed         StateName = "failed"
	StateCancelled      StateName = "cancelled"
)

// Terminal reports whether no further transition can leave this state.
func (s StateName) Terminal() bool {
	switch s {
	case StateAutoSent, StateRejected, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the run is executing stages (not suspended and not
// terminal).
func (s StateName) Active() bool {
	switch s {
	case StateReceived, StateClassifying, StateRetrieving, StateDrafting, StateDeciding:
		return true
	default:
		return false
	}
}

// Valid reports whether s names a known state.
func (s StateName) Valid() bool {
	return s.Active() || s.Terminal() || s == StateAwaitingReview
}

// State is the tagged variant of pipeline states. The unexported method seals
// the set of implementations to this package.
type State interface {
	Name() StateName
	TicketRecord() TicketRecord
	fill(*RunSnapshot)
}

// Received is the initial state of every run.
type Received struct {
	Ticket TicketRecord
}

// Classifying is entered when the classifier is about to be called.
type Classifying struct {
	Ticket TicketRecord
}

// Retrieving holds the classification and waits for context retrieval.
type Retrieving struct {
	Ticket         TicketRecord
	Classification Classification
}

// Drafting holds everything the drafter needs.
type Drafting struct {
	Ticket         TicketRecord
	Classification Classification
	Context        RetrievedContext
}

// Deciding holds a classified, drafted run about to pass the escalation gate.
type Deciding struct {
	Ticket         TicketRecord
	Classification Classification
	Context        RetrievedContext
	Draft          Draft
}

// AutoSent is terminal: the reply was applied to the ticket. It is reached
// either straight from the gate or from an approved review, in which case
// the classification or draft may be absent.
type AutoSent struct {
	Ticket         TicketRecord
	Classification *Classification
	Context        *RetrievedContext
	Draft          *Draft
	Decision       *Decision
	Review         *ReviewDecision
	SentBody       string
}

// AwaitingReview is the suspended state. The run holds no resources until a
// reviewer resumes or cancels it.
type AwaitingReview struct {
	Ticket         TicketRecord
	Classification *Classification
	Context        *RetrievedContext
	Draft          *Draft
	Decision       *Decision
	Reason         ReasonCode
}

// Rejected is terminal: no reply was sent and the ticket is left for manual
// handling.
type Rejected struct {
	Ticket         TicketRecord
	Classification *Classification
	Context        *RetrievedContext
	Decision       *Decision
	Review         *ReviewDecision
	Reason         ReasonCode
}

// Failed is terminal: a stage could not complete.
type Failed struct {
	Ticket         TicketRecord
	Classification *Classification
	Context        *RetrievedContext
	Draft          *Draft
	Reason         ReasonCode
	LastState      StateName
	Message        string
}

// Cancelled is terminal: an operator stopped the run between stages.
type Cancelled struct {
	Ticket         TicketRecord
	Classification *Classification
	Context        *RetrievedContext
	Draft          *Draft
	LastState      StateName
}

func (Received) Name() StateName       { return StateReceived }
func (Classifying) Name() StateName    { return StateClassifying }
func (Retrieving) Name() StateName     { return StateRetrieving }
func (Drafting) Name() StateName       { return StateDrafting }
func (Deciding) Name() StateName       { return StateDeciding }
func (AutoSent) Name() StateName       { return StateAutoSent }
func (AwaitingReview) Name() StateName { return StateAwaitingReview }
func (Rejected) Name() StateName       { return StateRejected }
func (Failed) Name() StateName         { return StateFailed }
func (Cancelled) Name() StateName      { return StateCancelled }

func (s Received) TicketRecord() TicketRecord       { return s.Ticket }
func (s Classifying) TicketRecord() TicketRecord    { return s.Ticket }
func (s Retrieving) TicketRecord() TicketRecord     { return s.Ticket }
func (s Drafting) TicketRecord() TicketRecord       { return s.Ticket }
func (s Deciding) TicketRecord() TicketRecord       { return s.Ticket }
func (s AutoSent) TicketRecord() TicketRecord       { return s.Ticket }
func (s AwaitingReview) TicketRecord() TicketRecord { return s.Ticket }
func (s Rejected) TicketRecord() TicketRecord       { return s.Ticket }
func (s Failed) TicketRecord() TicketRecord         { return s.Ticket }
func (s Cancelled) TicketRecord() TicketRecord      { return s.Ticket }

// Begin starts classification.
func (s Received) Begin() Classifying { return Classifying{Ticket: s.Ticket} }

// Classified records the classification.
func (s Classifying) Classified(c Classification) Retrieving {
	return Retrieving{Ticket: s.Ticket, Classification: c}
}

// Escalate routes an unclassified ticket to a human.
func (s Classifying) Escalate(reason ReasonCode) AwaitingReview {
	return AwaitingReview{Ticket: s.Ticket, Reason: reason}
}

// Retrieved records the retrieved context.
func (s Retrieving) Retrieved(rc RetrievedContext) Drafting {
	return Drafting{Ticket: s.Ticket, Classification: s.Classification, Context: rc}
}

// Drafted records the draft.
func (s Drafting) Drafted(d Draft) Deciding {
	return Deciding{Ticket: s.Ticket, Classification: s.Classification, Context: s.Context, Draft: d}
}

// Escalate routes a classified but undrafted ticket to a human.
func (s Drafting) Escalate(reason ReasonCode) AwaitingReview {
	c, rc := s.Classification, s.Context
	return AwaitingReview{Ticket: s.Ticket, Classification: &c, Context: &rc, Reason: reason}
}

// Sent records that the draft was applied to the ticket unchanged.
func (s Deciding) Sent() AutoSent {
	c, rc, d := s.Classification, s.Context, s.Draft
	dec := DecisionAutoSend
	return AutoSent{Ticket: s.Ticket, Classification: &c, Context: &rc, Draft: &d, Decision: &dec, SentBody: d.Body}
}

// Queue suspends the run for a reviewer.
func (s Deciding) Queue(dec Decision, reason ReasonCode) AwaitingReview {
	c, rc, d := s.Classification, s.Context, s.Draft
	return AwaitingReview{Ticket: s.Ticket, Classification: &c, Context: &rc, Draft: &d, Decision: &dec, Reason: reason}
}

// Reject discards the draft.
func (s Deciding) Reject(reason ReasonCode) Rejected {
	c, rc := s.Classification, s.Context
	dec := DecisionReject
	return Rejected{Ticket: s.Ticket, Classification: &c, Context: &rc, Decision: &dec, Reason: reason}
}

// Approved records that a reviewer's reply was applied to the ticket.
func (s AwaitingReview) Approved(review ReviewDecision, body string) AutoSent {
	r := review
	return AutoSent{
		Ticket:         s.Ticket,
		Classification: s.Classification,
		Context:        s.Context,
		Draft:          s.Draft,
		Decision:       s.Decision,
		Review:         &r,
		SentBody:       body,
	}
}

// RejectedBy records a reviewer's rejection.
func (s AwaitingReview) RejectedBy(review ReviewDecision) Rejected {
	r := review
	return Rejected{
		Ticket:         s.Ticket,
		Classification: s.Classification,
		Context:        s.Context,
		Decision:       s.Decision,
		Review:         &r,
		Reason:         ReasonReviewerRejected,
	}
}

// Fail builds the Failed state from any state, keeping whatever stage
// outputs it already carried.
func Fail(s State, reason ReasonCode, message string) Failed {
	var snap RunSnapshot
	s.fill(&snap)
	return Failed{
		Ticket:         snap.Ticket,
		Classification: snap.Classification,
		Context:        snap.Context,
		Draft:          snap.Draft,
		Reason:         reason,
		LastState:      s.Name(),
		Message:        message,
	}
}

// Cancel builds the Cancelled state from any state.
func Cancel(s State) Cancelled {
	var snap RunSnapshot
	s.fill(&snap)
	return Cancelled{
		Ticket:         snap.Ticket,
		Classification: snap.Classification,
		Context:        snap.Context,
		Draft:          snap.Draft,
		LastState:      s.Name(),
	}
}

// RunSnapshot is the flattened, serializable form of a State. Storage layers
// persist it column by column; the API returns it as JSON.
type RunSnapshot struct {
	State          StateName         `json:"state"`
	Ticket         TicketRecord      `json:"ticket"`
	Classification *Classification   `json:"classification,omitempty"`
	Context        *RetrievedContext `json:"context,omitempty"`
	Draft          *Draft            `json:"draft,omitempty"`
	Decision       *Decision         `json:"decision,omitempty"`
	Review         *ReviewDecision   `json:"review,omitempty"`
	SentBody       *string           `json:"sent_body,omitempty"`
	Reason         *ReasonCode       `json:"reason,omitempty"`
	LastState      *StateName        `json:"last_state,omitempty"`
	Message        *string           `json:"message,omitempty"`
}

func (s Received) fill(r *RunSnapshot)    { r.Ticket = s.Ticket }
func (s Classifying) fill(r *RunSnapshot) { r.Ticket = s.Ticket }

func (s Retrieving) fill(r *RunSnapshot) {
	c := s.Classification
	r.Ticket, r.Classification = s.Ticket, &c
}

func (s Drafting) fill(r *RunSnapshot) {
	c, rc := s.Classification, s.Context
	r.Ticket, r.Classification, r.Context = s.Ticket, &c, &rc
}

func (s Deciding) fill(r *RunSnapshot) {
	c, rc, d := s.Classification, s.Context, s.Draft
	r.Ticket, r.Classification, r.Context, r.Draft = s.Ticket, &c, &rc, &d
}

func (s AutoSent) fill(r *RunSnapshot) {
	body := s.SentBody
	r.Ticket, r.Classification, r.Context, r.Draft = s.Ticket, s.Classification, s.Context, s.Draft
	r.Decision, r.Review, r.SentBody = s.Decision, s.Review, &body
}

func (s AwaitingReview) fill(r *RunSnapshot) {
	reason := s.Reason
	r.Ticket, r.Classification, r.Context, r.Draft = s.Ticket, s.Classification, s.Context, s.Draft
	r.Decision, r.Reason = s.Decision, &reason
}

func (s Rejected) fill(r *RunSnapshot) {
	reason := s.Reason
	r.Ticket, r.Classification, r.Context = s.Ticket, s.Classification, s.Context
	r.Decision, r.Review, r.Reason = s.Decision, s.Review, &reason
}

func (s Failed) fill(r *RunSnapshot) {
	reason, last, msg := s.Reason, s.LastState, s.Message
	r.Ticket, r.Classification, r.Context, r.Draft = s.Ticket, s.Classification, s.Context, s.Draft
	r.Reason, r.LastState, r.Message = &reason, &last, &msg
}

func (s Cancelled) fill(r *RunSnapshot) {
	reason, last := ReasonCancelled, s.LastState
	r.Ticket, r.Classification, r.Context, r.Draft = s.Ticket, s.Classification, s.Context, s.Draft
	r.Reason, r.LastState = &reason, &last
}

// SnapshotOf flattens a state.
func SnapshotOf(s State) RunSnapshot {
	snap := RunSnapshot{State: s.Name()}
	s.fill(&snap)
	return snap
}

// Restore rebuilds the typed state from a snapshot. It fails when the
// snapshot lacks a field the named state guarantees, which indicates a
// corrupt or hand-edited row.
func (r RunSnapshot) Restore() (State, error) {
	missing := func(field string) error {
		return fmt.Errorf("model: %s run is missing %s", r.State, field)
	}
	switch r.State {
	case StateReceived:
		return Received{Ticket: r.Ticket}, nil
	case StateClassifying:
		return Classifying{Ticket: r.Ticket}, nil
	case StateRetrieving:
		if r.Classification == nil {
			return nil, missing("classification")
		}
		return Retrieving{Ticket: r.Ticket, Classification: *r.Classification}, nil
	case StateDrafting:
		if r.Classification == nil {
			return nil, missing("classification")
		}
		rc := RetrievedContext{}
		if r.Context != nil {
			rc = *r.Context
		}
		return Drafting{Ticket: r.Ticket, Classification: *r.Classification, Context: rc}, nil
	case StateDeciding:
		if r.Classification == nil {
			return nil, missing("classification")
		}
		if r.Draft == nil {
			return nil, missing("draft")
		}
		rc := RetrievedContext{}
		if r.Context != nil {
			rc = *r.Context
		}
		return Deciding{Ticket: r.Ticket, Classification: *r.Classification, Context: rc, Draft: *r.Draft}, nil
	case StateAutoSent:
		if r.SentBody == nil {
			return nil, missing("sent_body")
		}
		return AutoSent{
			Ticket: r.Ticket, Classification: r.Classification, Context: r.Context, Draft: r.Draft,
			Decision: r.Decision, Review: r.Review, SentBody: *r.SentBody,
		}, nil
	case StateAwaitingReview:
		return AwaitingReview{
			Ticket: r.Ticket, Classification: r.Classification, Context: r.Context, Draft: r.Draft,
			Decision: r.Decision, Reason: deref(r.Reason, ReasonNeedsReview),
		}, nil
	case StateRejected:
		return Rejected{
			Ticket: r.Ticket, Classification: r.Classification, Context: r.Context,
			Decision: r.Decision, Review: r.Review, Reason: deref(r.Reason, ReasonLowConfidence),
		}, nil
	case StateFailed:
		return Failed{
			Ticket: r.Ticket, Classification: r.Classification, Context: r.Context, Draft: r.Draft,
			Reason: deref(r.Reason, ReasonInternal), LastState: deref(r.LastState, ""), Message: deref(r.Message, ""),
		}, nil
	case StateCancelled:
		return Cancelled{
			Ticket: r.Ticket, Classification: r.Classification, Context: r.Context, Draft: r.Draft,
			LastState: deref(r.LastState, ""),
		}, nil
	default:
		return nil, fmt.Errorf("model: unknown run state %q", r.State)
	}
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

// PipelineRun is one execution of the pipeline for one ticket event. Its ID
// is distinct from the ticket ID so a ticket can be re-run any number of
// times.
type PipelineRun struct {
	ID          uuid.UUID
	TicketID    string
	ParentRunID *uuid.UUID

	// TicketVersion is the helpdesk's updated stamp captured at the start of
	// the run. Ticket updates are guarded by it.
	TicketVersion string

	State           State
	CancelRequested bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewRun creates a run in the Received state.
func NewRun(ticket TicketRecord, version string, parent *uuid.UUID) PipelineRun {
	now := time.Now().UTC()
	return PipelineRun{
		ID:            uuid.New(),
		TicketID:      ticket.ID,
		ParentRunID:   parent,
		TicketVersion: version,
		State:         Received{Ticket: ticket},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// WithState returns a copy of the run moved to next.
func (r PipelineRun) WithState(next State) PipelineRun {
	r.State = next
	r.UpdatedAt = time.Now().UTC()
	if next.Name().Terminal() {
		at := r.UpdatedAt
		r.CompletedAt = &at
	}
	return r
}

// RunFilter narrows run listings.
type RunFilter struct {
	State    *StateName
	TicketID string
	Limit    int
	Offset   int
}
