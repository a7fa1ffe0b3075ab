package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// HandleCreateReviewer handles POST /v1/reviewers. When no API key is given
// one is generated and returned once.
func (h *Handlers) HandleCreateReviewer(w http.ResponseWriter, r *http.Request) {
	var req model.CreateReviewerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateReviewerID(req.ReviewerID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = model.RoleReviewer
	}
	if !model.ValidRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"role must be one of admin, reviewer, viewer")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.ReviewerID
	}

	rawKey := req.APIKey
	generated := false
	if rawKey == "" {
		var err error
		rawKey, err = model.NewReviewerKey()
		if err != nil {
			h.writeInternalError(w, r, "failed to generate api key", err)
			return
		}
		generated = true
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	now := time.Now().UTC()
	reviewer := model.Reviewer{
		ID:         uuid.New(),
		ReviewerID: req.ReviewerID,
		Name:       name,
		Role:       req.Role,
		APIKeyHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateReviewer(r.Context(), reviewer); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "reviewer already exists: "+req.ReviewerID)
			return
		}
		h.writeInternalError(w, r, "failed to create reviewer", err)
		return
	}
	h.logger.Info("reviewer created",
		"reviewer_id", reviewer.ReviewerID,
		"role", reviewer.Role,
		"created_by", ctxutil.ReviewerIDFromContext(r.Context()),
	)

	resp := model.CreateReviewerResponse{Reviewer: reviewer}
	if generated {
		resp.APIKey = rawKey
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListReviewers handles GET /v1/reviewers.
func (h *Handlers) HandleListReviewers(w http.ResponseWriter, r *http.Request) {
	reviewers, err := h.store.ListReviewers(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list reviewers", err)
		return
	}
	if reviewers == nil {
		reviewers = []model.Reviewer{}
	}
	writeJSON(w, r, http.StatusOK, reviewers)
}
