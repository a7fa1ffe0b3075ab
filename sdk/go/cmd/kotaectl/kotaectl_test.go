package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/sdk/go/kotae"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeAPI serves the handful of endpoints kotaectl calls and records the
// last review request.
type fakeAPI struct {
	run        kotae.Run
	lastReview kotae.ReviewRequest
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"token": "t", "expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		}})
	})
	mux.HandleFunc("GET /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []kotae.Run{f.run}, "total": 3, "has_more": true, "limit": 1, "offset": 0,
		})
	})
	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": f.run})
	})
	mux.HandleFunc("POST /v1/runs/{id}/review", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.lastReview)
		out := f.run
		out.State = kotae.StateAutoSent
		if f.lastReview.Action == kotae.ActionReject {
			out.State = kotae.StateRejected
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, srvURL string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--url", srvURL, "--reviewer", "rita", "--api-key", "k"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newFake() *fakeAPI {
	reason := "needs_review"
	return &fakeAPI{run: kotae.Run{
		ID:       uuid.New(),
		TicketID: "42",
		State:    kotae.StateAwaitingReview,
		Reason:   &reason,
		Ticket:   kotae.Ticket{ID: "42", Subject: "Cannot log in", Body: "Help", RequesterEmail: "a@example.com"},
		Draft:    &kotae.Draft{Body: "Reset your password.", Confidence: 0.7},
	}}
}

func TestPendingPrintsTable(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	out, err := execute(t, srv.URL, "", "pending", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
	assert.Contains(t, out, f.run.ID.String())
	assert.Contains(t, out, "needs_review")
	assert.Contains(t, out, "Cannot log in")
	assert.Contains(t, out, "showing 1 of 3")
}

func TestShowPrintsDraft(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	out, err := execute(t, srv.URL, "", "show", f.run.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "draft (confidence 0.70)")
	assert.Contains(t, out, "Reset your password.")

	out, err = execute(t, srv.URL, "", "--json", "show", f.run.ID.String())
	require.NoError(t, err)
	var run kotae.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, f.run.ID, run.ID)
}

func TestEditReadsBodyFromStdin(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	out, err := execute(t, srv.URL, "Use the reset link.\n", "edit", f.run.ID.String(), "--file", "-", "--note", "tone")
	require.NoError(t, err)
	assert.Contains(t, out, "is now auto_sent")
	assert.Equal(t, kotae.ActionEdit, f.lastReview.Action)
	assert.Equal(t, "Use the reset link.\n", f.lastReview.Body)
	assert.Equal(t, "tone", f.lastReview.Note)
}

func TestEditWithoutBodyFails(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	_, err := execute(t, srv.URL, "", "edit", f.run.ID.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edit needs a reply")
	assert.Empty(t, f.lastReview.Action)
}

func TestRejectAndApprove(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	out, err := execute(t, srv.URL, "", "reject", f.run.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "is now rejected")

	out, err = execute(t, srv.URL, "", "approve", f.run.ID.String(), "--note", "ok")
	require.NoError(t, err)
	assert.Contains(t, out, "is now auto_sent")
	assert.Equal(t, kotae.ActionApprove, f.lastReview.Action)
}

func TestInvalidRunID(t *testing.T) {
	f := newFake()
	srv := f.server(t)

	_, err := execute(t, srv.URL, "", "approve", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run ID")
}
