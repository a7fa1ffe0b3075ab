// Package escalation decides what happens to a draft: send it, hand it to a
// reviewer, or discard it.
package escalation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Thresholds are the confidence cut-offs of the gate. They must satisfy
// 0 <= Review <= AutoSend <= 1.
type Thresholds struct {
	AutoSend float64 `yaml:"auto_send" json:"auto_send"`
	Review   float64 `yaml:"review" json:"review"`
}

// DefaultThresholds are used when neither the environment nor a policy file
// sets them.
var DefaultThresholds = Thresholds{AutoSend: 0.9, Review: 0.5}

// Evaluate is the gate policy. It depends only on its arguments:
//
//	AutoSend        iff !needsReview && confidence >= AutoSend
//	QueueForReview  iff  needsReview || confidence >= Review
//	Reject          otherwise
//
// needsReview is the draft's flag, also forced by a complex or critical
// classification.
func Evaluate(d model.Draft, c model.Classification, th Thresholds) model.Decision {
	needsReview := d.NeedsHumanReview || c.RequiresHuman()
	switch {
	case !needsReview && d.Confidence >= th.AutoSend:
		return model.DecisionAutoSend
	case needsReview || d.Confidence >= th.Review:
		return model.DecisionQueueForReview
	default:
		return model.DecisionReject
	}
}

// Gate applies Evaluate with the current policy snapshot.
type Gate struct {
	policies  *PolicyStore
	decisions metric.Int64Counter
}

// NewGate creates a gate reading thresholds from policies.
func NewGate(policies *PolicyStore) *Gate {
	decisions, _ := telemetry.Meter("kotae/escalation").Int64Counter("kotae.gate.decisions",
		metric.WithDescription("Escalation gate decisions by outcome"))
	return &Gate{policies: policies, decisions: decisions}
}

// Decide returns the decision for a draft along with the policy it was made
// under, so the caller builds the ticket update from the same snapshot.
func (g *Gate) Decide(ctx context.Context, d model.Draft, c model.Classification) (model.Decision, *Policy) {
	p := g.policies.Current()
	dec := Evaluate(d, c, p.Thresholds)
	if g.decisions != nil {
		g.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(dec))))
	}
	return dec, p
}

// Policy returns the current policy snapshot.
func (g *Gate) Policy() *Policy {
	return g.policies.Current()
}
