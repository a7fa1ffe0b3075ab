package server

import (
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.RunFilter{
		TicketID: strings.TrimSpace(q.Get("ticket_id")),
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	if v := q.Get("state"); v != "" {
		state := model.StateName(v)
		if !state.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown state: "+v)
			return
		}
		f.State = &state
	}

	runs, total, err := h.store.ListRuns(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	views := make([]model.RunView, len(runs))
	for i, run := range runs {
		views[i] = model.ViewOf(run)
	}
	writeList(w, r, views, len(views), total, f.Limit, f.Offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ViewOf(run))
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.store.GetRun(r.Context(), id); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	evs, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run events", err)
		return
	}
	if evs == nil {
		evs = []model.RunEvent{}
	}
	writeJSON(w, r, http.StatusOK, evs)
}

// HandleReview handles POST /v1/runs/{run_id}/review. The reviewer is the
// authenticated caller; the body cannot name someone else.
func (h *Handlers) HandleReview(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	switch req.Action {
	case model.ReviewApprove, model.ReviewEdit, model.ReviewReject:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"action must be one of approve, edit, reject")
		return
	}

	reviewerID := ctxutil.ReviewerIDFromContext(r.Context())
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("kotae.run_id", id.String()),
		attribute.String("kotae.review_action", string(req.Action)),
	)

	run, err := h.pipeline.Resume(r.Context(), id, model.ReviewDecision{
		Action:     req.Action,
		Body:       req.Body,
		Note:       req.Note,
		ReviewerID: reviewerID,
	})
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ViewOf(run))
}

// HandleCancel handles POST /v1/runs/{run_id}/cancel. A suspended run is
// cancelled at once (200); an active run is flagged and stops at its next
// stage boundary (202).
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.pipeline.Cancel(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	h.logger.Info("run cancel", "run_id", id, "state", run.State.Name(),
		"reviewer_id", ctxutil.ReviewerIDFromContext(r.Context()))

	status := http.StatusOK
	if !run.State.Name().Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, model.ViewOf(run))
}

// HandleRerun handles POST /v1/tickets/{ticket_id}/runs. The body is
// optional.
func (h *Handlers) HandleRerun(w http.ResponseWriter, r *http.Request) {
	ticketID := strings.TrimSpace(r.PathValue("ticket_id"))
	if ticketID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "ticket_id is required")
		return
	}
	var req model.RerunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.pipeline.Rerun(r.Context(), ticketID, req.ParentRunID)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	h.enqueue(run)
	writeJSON(w, r, http.StatusAccepted, model.ViewOf(run))
}

// enqueue schedules a new run. A full queue leaves the run in Received for
// the recovery sweep.
func (h *Handlers) enqueue(run model.PipelineRun) {
	if h.queue == nil {
		return
	}
	if !h.queue.Enqueue(run.ID) {
		h.logger.Warn("dispatch queue full, run left for recovery sweep",
			"run_id", run.ID, "ticket_id", run.TicketID)
	}
}
