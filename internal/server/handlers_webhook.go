package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/zendesk"
)

// HandleZendeskWebhook handles POST /webhooks/zendesk. A valid delivery
// creates exactly one run and queues it. Redeliveries of an invocation that
// already produced a run return that run with 200.
func (h *Handlers) HandleZendeskWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now().UTC()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.webhookSecret != "" {
		err := zendesk.VerifySignature(h.webhookSecret,
			r.Header.Get(zendesk.HeaderSignature), r.Header.Get(zendesk.HeaderTimestamp), body)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid webhook signature")
			return
		}
	}

	payload, err := zendesk.ParseWebhook(body)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	ticket, err := payload.Ticket(receivedAt)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("kotae.ticket_id", ticket.ID))

	invocationID := strings.TrimSpace(r.Header.Get(zendesk.HeaderInvocationID))
	delivery, proceed := h.beginDelivery(w, r, invocationID, ticket.ID, receivedAt)
	if !proceed {
		return
	}

	run, err := h.pipeline.Submit(r.Context(), ticket, strings.TrimSpace(payload.UpdatedAt), nil)
	if err != nil {
		h.clearDelivery(r, delivery)
		h.writeRunError(w, r, err)
		return
	}
	h.completeDeliveryBestEffort(r, delivery, run.ID)
	h.enqueue(run)

	writeJSON(w, r, http.StatusAccepted, model.WebhookAccepted{
		RunID:      run.ID,
		TicketID:   run.TicketID,
		State:      run.State.Name(),
		ReceivedAt: receivedAt,
	})
}

// beginDelivery reserves the invocation ID. It returns ("", true) when the
// request carries none and the caller should proceed without idempotency.
func (h *Handlers) beginDelivery(w http.ResponseWriter, r *http.Request, invocationID, ticketID string, receivedAt time.Time) (string, bool) {
	if invocationID == "" {
		return "", true
	}

	existing, err := h.store.BeginDelivery(r.Context(), invocationID, ticketID)
	switch {
	case err == nil && existing == nil:
		return invocationID, true
	case err == nil:
		resp := model.WebhookAccepted{
			RunID:      *existing,
			TicketID:   ticketID,
			ReceivedAt: receivedAt,
			Duplicate:  true,
		}
		if run, gerr := h.store.GetRun(r.Context(), *existing); gerr == nil {
			resp.State = run.State.Name()
		}
		h.logger.Info("webhook redelivery", "invocation_id", invocationID, "run_id", *existing)
		writeJSON(w, r, http.StatusOK, resp)
		return "", false
	case errors.Is(err, storage.ErrDuplicateDelivery):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"delivery with this invocation ID is already in progress")
		return "", false
	default:
		h.writeInternalError(w, r, "webhook delivery lookup failed", err)
		return "", false
	}
}

// completeDelivery records the run for a reserved delivery. It runs on a
// bounded background context so a client disconnect cannot leave the
// reservation open and block redelivery.
func (h *Handlers) completeDelivery(invocationID string, runID uuid.UUID) error {
	if invocationID == "" {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.store.CompleteDelivery(writeCtx, invocationID, runID)
		if err == nil {
			return nil
		}
		lastErr = err
		h.logger.Warn("webhook delivery finalize attempt failed",
			"attempt", attempt,
			"error", err,
			"invocation_id", invocationID,
		)

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("delivery finalize context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("failed to complete delivery record after retries: %w", lastErr)
}

// completeDeliveryBestEffort finalizes the delivery without failing the
// response; the run already exists. An unfinished reservation keeps
// blocking redeliveries until cleanup, so no second run can be created.
func (h *Handlers) completeDeliveryBestEffort(r *http.Request, invocationID string, runID uuid.UUID) {
	if err := h.completeDelivery(invocationID, runID); err != nil {
		h.logger.Error("failed to finalize webhook delivery after run was created",
			"error", err,
			"run_id", runID,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
	}
}

func (h *Handlers) clearDelivery(r *http.Request, invocationID string) {
	if invocationID == "" {
		return
	}
	if err := h.store.ClearDelivery(r.Context(), invocationID); err != nil {
		h.logger.Error("failed to clear webhook delivery",
			"error", err,
			"invocation_id", invocationID,
		)
	}
}
