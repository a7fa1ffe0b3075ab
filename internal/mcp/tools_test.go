package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/draft"
	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/pipeline"
	"github.com/ashita-ai/kotae/internal/retrieve"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/testutil"
)

const (
	classQuestion = "INTENT: question\nURGENCY: low\nTOPIC: login\nSUMMARY: Customer cannot log in"
	draftUnsure   = "CONFIDENCE: 0.7\nNEEDS_REVIEW: no\nREPLY:\nIt might be your browser."
)

type fakeSource struct {
	mu      sync.Mutex
	applied []model.TicketUpdate
}

func (f *fakeSource) Fetch(_ context.Context, ticketID string) (model.TicketRecord, string, error) {
	return testutil.Ticket(ticketID), "v-fetched", nil
}

func (f *fakeSource) Apply(_ context.Context, _ string, u model.TicketUpdate, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, u)
	return "v-next", nil
}

type harness struct {
	srv    *Server
	store  *sqlite.Store
	orch   *pipeline.Orchestrator
	source *fakeSource
	queued []uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewSQLite(t)
	stub := &testutil.ScriptedLLM{Classify: []string{classQuestion}, Draft: []string{draftUnsure}}
	policy := llm.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	source := &fakeSource{}

	orch := pipeline.New(pipeline.Deps{
		Store:      store,
		Source:     source,
		Classifier: classify.New(stub.Completer(), policy, logger),
		Retriever:  retrieve.New(nil, store, time.Second, 3, logger),
		Drafter:    draft.New(stub.Completer(), policy, logger),
		Gate:       escalation.NewGate(escalation.NewPolicyStore(escalation.DefaultPolicy(escalation.DefaultThresholds))),
		Logger:     logger,
	})
	h := &harness{store: store, orch: orch, source: source}
	h.srv = New(store, orch, func(id uuid.UUID) bool {
		h.queued = append(h.queued, id)
		return true
	}, logger, "test")
	return h
}

// suspended creates a run for ticketID and executes it until it waits for
// review.
func (h *harness) suspended(t *testing.T, ticketID string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	run, err := h.orch.Submit(ctx, testutil.Ticket(ticketID), "v1", nil)
	require.NoError(t, err)
	run, err = h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingReview, run.State.Name())
	return run.ID
}

func asRole(reviewerID string, role model.Role) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{ReviewerID: reviewerID, Role: role})
}

func call(t *testing.T, fn func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error), ctx context.Context, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	res, err := fn(ctx, req)
	require.NoError(t, err, "tool handlers report failures in the result")
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	return res
}

func text(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "content should be TextContent")
	return tc.Text
}

func decodeResult(t *testing.T, res *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %s", text(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	return out
}

func TestNew_RegistersServer(t *testing.T) {
	h := newHarness(t)
	require.NotNil(t, h.srv.MCPServer())
}

func TestPendingReviews(t *testing.T) {
	h := newHarness(t)
	first := h.suspended(t, "101")
	h.suspended(t, "102")
	_, err := h.orch.Submit(context.Background(), testutil.Ticket("103"), "v1", nil)
	require.NoError(t, err)

	out := decodeResult(t, call(t, h.srv.handlePendingReviews, asRole("vic", model.RoleViewer), nil))
	assert.EqualValues(t, 2, out["total"])
	assert.Contains(t, out["summary"], "2 run(s) waiting for review.")
	runs := out["runs"].([]any)
	require.Len(t, runs, 2)

	filtered := decodeResult(t, call(t, h.srv.handlePendingReviews, asRole("vic", model.RoleViewer),
		map[string]any{"ticket_id": "101"}))
	runs = filtered["runs"].([]any)
	require.Len(t, runs, 1)
	run := runs[0].(map[string]any)
	assert.Equal(t, first.String(), run["id"])
	assert.Equal(t, "question", run["intent"])
	assert.Equal(t, "It might be your browser.", run["draft"])
	assert.Equal(t, string(model.ReasonNeedsReview), run["reason"])
}

func TestPendingReviews_RequiresClaims(t *testing.T) {
	h := newHarness(t)
	res := call(t, h.srv.handlePendingReviews, context.Background(), nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "authentication required", text(t, res))
}

func TestGetRun(t *testing.T) {
	h := newHarness(t)
	id := h.suspended(t, "200")
	ctx := asRole("vic", model.RoleViewer)

	out := decodeResult(t, call(t, h.srv.handleGetRun, ctx, map[string]any{
		"run_id":         id.String(),
		"include_events": true,
	}))
	run := out["run"].(map[string]any)
	assert.Equal(t, string(model.StateAwaitingReview), run["state"])
	assert.Equal(t, id.String(), run["resume_token"])
	assert.Nil(t, out["events"], "no event sink is wired in this harness")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "missing", args: nil, want: "run_id is required"},
		{name: "malformed", args: map[string]any{"run_id": "nope"}, want: "invalid run_id: nope"},
		{name: "unknown", args: map[string]any{"run_id": uuid.NewString()}, want: "run not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, h.srv.handleGetRun, ctx, tt.args)
			assert.True(t, res.IsError)
			assert.Equal(t, tt.want, text(t, res))
		})
	}
}

func TestReview_Approve(t *testing.T) {
	h := newHarness(t)
	id := h.suspended(t, "300")

	out := decodeResult(t, call(t, h.srv.handleReview, asRole("rita", model.RoleReviewer), map[string]any{
		"run_id": id.String(),
		"action": "approve",
		"note":   "fine",
	}))
	assert.Equal(t, "recorded", out["status"])
	run := out["run"].(map[string]any)
	assert.Equal(t, string(model.StateAutoSent), run["state"])
	assert.Equal(t, "rita", run["review"].(map[string]any)["reviewer_id"])
	require.Len(t, h.source.applied, 1)

	again := call(t, h.srv.handleReview, asRole("rita", model.RoleReviewer), map[string]any{
		"run_id": id.String(),
		"action": "approve",
	})
	assert.True(t, again.IsError)
	assert.Contains(t, text(t, again), "conflict")
	assert.Len(t, h.source.applied, 1)
}

func TestReview_EditAndValidation(t *testing.T) {
	h := newHarness(t)
	id := h.suspended(t, "310")
	ctx := asRole("rita", model.RoleReviewer)

	res := call(t, h.srv.handleReview, ctx, map[string]any{"run_id": id.String(), "action": "maybe"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "action must be one of")

	res = call(t, h.srv.handleReview, ctx, map[string]any{"run_id": id.String(), "action": "edit"})
	assert.True(t, res.IsError, "edit without a body is rejected")
	assert.Empty(t, h.source.applied)

	out := decodeResult(t, call(t, h.srv.handleReview, ctx, map[string]any{
		"run_id": id.String(),
		"action": "edit",
		"body":   "Please use the reset link we just sent.",
	}))
	assert.Equal(t, string(model.StateAutoSent), out["run"].(map[string]any)["state"])
	require.Len(t, h.source.applied, 1)
	require.NotNil(t, h.source.applied[0].Comment)
	assert.Equal(t, "Please use the reset link we just sent.", h.source.applied[0].Comment.Body)
}

func TestReview_ViewerForbidden(t *testing.T) {
	h := newHarness(t)
	id := h.suspended(t, "320")

	res := call(t, h.srv.handleReview, asRole("vic", model.RoleViewer), map[string]any{
		"run_id": id.String(),
		"action": "reject",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "insufficient permissions")

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingReview, run.State.Name())
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := asRole("rita", model.RoleReviewer)
	id := h.suspended(t, "400")

	out := decodeResult(t, call(t, h.srv.handleCancel, ctx, map[string]any{"run_id": id.String()}))
	assert.Equal(t, "cancelled", out["status"])

	res := call(t, h.srv.handleCancel, ctx, map[string]any{"run_id": id.String()})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "conflict")

	active, err := h.orch.Submit(context.Background(), testutil.Ticket("401"), "v1", nil)
	require.NoError(t, err)
	out = decodeResult(t, call(t, h.srv.handleCancel, ctx, map[string]any{"run_id": active.ID.String()}))
	assert.Equal(t, "cancel_requested", out["status"])
	assert.Equal(t, true, out["run"].(map[string]any)["cancel_requested"])
}

func TestRerun(t *testing.T) {
	h := newHarness(t)
	ctx := asRole("rita", model.RoleReviewer)
	parent := h.suspended(t, "500")

	out := decodeResult(t, call(t, h.srv.handleRerun, ctx, map[string]any{
		"ticket_id":     "500",
		"parent_run_id": parent.String(),
	}))
	assert.Equal(t, true, out["queued"])
	run := out["run"].(map[string]any)
	assert.Equal(t, parent.String(), run["parent_run_id"])
	assert.Equal(t, string(model.StateReceived), run["state"])
	require.Len(t, h.queued, 1)
	assert.Equal(t, run["id"], h.queued[0].String())

	res := call(t, h.srv.handleRerun, ctx, map[string]any{"ticket_id": "999", "parent_run_id": parent.String()})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "parent_run_id")

	res = call(t, h.srv.handleRerun, ctx, map[string]any{"ticket_id": "500", "parent_run_id": "x"})
	assert.True(t, res.IsError)

	res = call(t, h.srv.handleRerun, ctx, nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "ticket_id is required", text(t, res))
}
