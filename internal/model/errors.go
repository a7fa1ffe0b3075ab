package model

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine-readable cause attached to a run that did not
// end in AutoSent.
type ReasonCode string

const (
	ReasonInvalidInput              ReasonCode = "invalid_input"
	ReasonClassificationUnavailable ReasonCode = "classification_unavailable"
	ReasonDraftUnavailable          ReasonCode = "draft_unavailable"
	ReasonConflict                  ReasonCode = "conflict"
	ReasonNotFound                  ReasonCode = "not_found"
	ReasonDeliveryFailed            ReasonCode = "delivery_failed"
	ReasonNeedsReview               ReasonCode = "needs_review"
	ReasonLowConfidence             ReasonCode = "low_confidence"
	ReasonReviewerRejected          ReasonCode = "reviewer_rejected"
	ReasonCancelled                 ReasonCode = "cancelled"
	ReasonInternal                  ReasonCode = "internal"
)

// InvalidInputError reports a malformed or missing ticket field. It is never
// retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

// ClassificationUnavailableError reports that the classifier exhausted its
// retries against the model service.
type ClassificationUnavailableError struct {
	Err error
}

func (e *ClassificationUnavailableError) Error() string {
	return fmt.Sprintf("classification unavailable: %v", e.Err)
}

func (e *ClassificationUnavailableError) Unwrap() error { return e.Err }

// DraftGenerationError reports that the drafter exhausted its retries.
type DraftGenerationError struct {
	Err error
}

func (e *DraftGenerationError) Error() string {
	return fmt.Sprintf("draft generation failed: %v", e.Err)
}

func (e *DraftGenerationError) Unwrap() error { return e.Err }

// ConflictError reports that a ticket update was rejected because the
// concurrency stamp no longer matches the ticket.
type ConflictError struct {
	TicketID string
	Stamp    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ticket %s changed since %s", e.TicketID, e.Stamp)
}

// NotFoundError reports that a ticket does not exist in the helpdesk.
type NotFoundError struct {
	TicketID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ticket %s not found", e.TicketID)
}

// ReasonFor maps an error from the taxonomy to its reason code.
func ReasonFor(err error) ReasonCode {
	var (
		invalid  *InvalidInputError
		classify *ClassificationUnavailableError
		draft    *DraftGenerationError
		conflict *ConflictError
		notFound *NotFoundError
	)
	switch {
	case errors.As(err, &invalid):
		return ReasonInvalidInput
	case errors.As(err, &classify):
		return ReasonClassificationUnavailable
	case errors.As(err, &draft):
		return ReasonDraftUnavailable
	case errors.As(err, &conflict):
		return ReasonConflict
	case errors.As(err, &notFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}
