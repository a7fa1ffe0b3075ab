package model

// Intent is the classified purpose of a ticket.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentBug      Intent = "bug"
	IntentBilling  Intent = "billing"
	IntentFeature  Intent = "feature"
	IntentComplex  Intent = "complex"
)

// Urgency is the classified time sensitivity of a ticket.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

var validIntents = map[Intent]bool{
	IntentQuestion: true,
	IntentBug:      true,
	IntentBilling:  true,
	IntentFeature:  true,
	IntentComplex:  true,
}

var validUrgencies = map[Urgency]bool{
	UrgencyLow:      true,
	UrgencyMedium:   true,
	UrgencyHigh:     true,
	UrgencyCritical: true,
}

// Valid reports whether i is one of the enumerated intents.
func (i Intent) Valid() bool { return validIntents[i] }

// Valid reports whether u is one of the enumerated urgencies.
func (u Urgency) Valid() bool { return validUrgencies[u] }

// Classification is the classifier's output for one run. It is produced once
// and never changed afterwards.
type Classification struct {
	Intent  Intent  `json:"intent"`
	Urgency Urgency `json:"urgency"`
	Topic   string  `json:"topic"`
	Summary string  `json:"summary"`

	// Coerced lists the fields whose model output fell outside the
	// enumeration and were replaced with the fallback value.
	Coerced []string `json:"coerced,omitempty"`
}

// RequiresHuman reports whether the classification alone forces human review.
func (c Classification) RequiresHuman() bool {
	return c.Intent == IntentComplex || c.Urgency == UrgencyCritical
}

// ZendeskPriority maps urgency to the helpdesk priority vocabulary.
func (u Urgency) ZendeskPriority() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "urgent"
	default:
		return "normal"
	}
}
