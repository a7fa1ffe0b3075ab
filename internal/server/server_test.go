package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/draft"
	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/pipeline"
	"github.com/ashita-ai/kotae/internal/retrieve"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/testutil"
	"github.com/ashita-ai/kotae/internal/zendesk"
)

const (
	adminKey      = "test-admin-key"
	webhookSecret = "whsec-test"

	classQuestion = "INTENT: question\nURGENCY: low\nTOPIC: login\nSUMMARY: Customer cannot log in"
	draftUnsure   = "CONFIDENCE: 0.7\nNEEDS_REVIEW: no\nREPLY:\nIt might be your browser."
)

type fakeSource struct {
	mu       sync.Mutex
	fetches  int
	applied  []model.TicketUpdate
	applyErr error
}

func (f *fakeSource) Fetch(_ context.Context, ticketID string) (model.TicketRecord, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	t := testutil.Ticket(ticketID)
	return t, "v-fetched", nil
}

func (f *fakeSource) Apply(_ context.Context, _ string, u model.TicketUpdate, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.applied = append(f.applied, u)
	return "v-next", nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *fakeQueue) Enqueue(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return true
}

func (q *fakeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// storeSink writes events straight to the store so tests can read them
// back without waiting for a buffer flush.
type storeSink struct{ store *sqlite.Store }

func (s storeSink) Append(ev model.RunEvent) error {
	_, err := s.store.InsertEvents(context.Background(), []model.RunEvent{ev})
	return err
}

type env struct {
	srv    *httptest.Server
	store  *sqlite.Store
	orch   *pipeline.Orchestrator
	source *fakeSource
	queue  *fakeQueue
	admin  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
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
		Events:     storeSink{store: store},
		Logger:     logger,
	})

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	queue := &fakeQueue{}
	srv := server.New(server.ServerConfig{
		Store:               store,
		Pipeline:            orch,
		Queue:               queue,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		WebhookSecret:       webhookSecret,
		StoreKind:           "sqlite",
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
	require.NoError(t, srv.Handlers().SeedAdmin(ctx, adminKey))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	e := &env{srv: ts, store: store, orch: orch, source: source, queue: queue}
	e.admin = e.token(t, "admin", adminKey)
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr.Error.Code
}

func (e *env) token(t *testing.T, reviewerID, key string) string {
	t.Helper()
	resp := e.do(t, "POST", "/auth/token", "", model.AuthTokenRequest{ReviewerID: reviewerID, APIKey: key}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[model.AuthTokenResponse](t, resp).Token
}

func (e *env) reviewer(t *testing.T, id string, role model.Role) string {
	t.Helper()
	resp := e.do(t, "POST", "/v1/reviewers", e.admin,
		model.CreateReviewerRequest{ReviewerID: id, Role: role, APIKey: id + "-key"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return e.token(t, id, id+"-key")
}

func webhookBody(ticketID int) []byte {
	b, _ := json.Marshal(map[string]any{
		"ticket_id":       ticketID,
		"subject":         "Cannot log in",
		"description":     "Password reset does not work.",
		"status":          "new",
		"requester_email": "ana@example.com",
		"requester_name":  "Ana",
		"created_at":      "2026-03-01T12:00:00Z",
		"tags":            "login, Web",
		"updated_at":      "2026-03-01T12:00:05Z",
	})
	return b
}

func signed(body []byte, invocation string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := map[string]string{
		"X-Zendesk-Webhook-Signature":           zendesk.Sign(webhookSecret, ts, body),
		"X-Zendesk-Webhook-Signature-Timestamp": ts,
	}
	if invocation != "" {
		h["X-Zendesk-Webhook-Invocation-Id"] = invocation
	}
	return h
}

// suspended submits a ticket through the webhook and executes it until it
// waits for review.
func (e *env) suspended(t *testing.T, ticketID int) uuid.UUID {
	t.Helper()
	body := webhookBody(ticketID)
	resp := e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, ""))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[model.WebhookAccepted](t, resp)

	run, err := e.orch.Execute(context.Background(), accepted.RunID)
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingReview, run.State.Name())
	return accepted.RunID
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, "GET", "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	h := decode[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "kotae", h.Service)
	assert.Equal(t, "sqlite:connected", h.Store)
	assert.Equal(t, "test", h.Version)
}

func TestRootAndOpenAPI(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "GET", "/", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := decode[map[string]any](t, resp)
	assert.Equal(t, "kotae", root["service"])

	resp = e.do(t, "GET", "/openapi.yaml", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestWebhook_Accepted(t *testing.T) {
	e := newEnv(t)
	body := webhookBody(4242)

	resp := e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, ""))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[model.WebhookAccepted](t, resp)
	assert.Equal(t, "4242", accepted.TicketID)
	assert.Equal(t, model.StateReceived, accepted.State)
	assert.False(t, accepted.ReceivedAt.IsZero())
	assert.Equal(t, []uuid.UUID{accepted.RunID}, e.queue.ids)

	run, err := e.store.GetRun(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:05Z", run.TicketVersion)
	assert.Equal(t, []string{"login", "web"}, run.State.TicketRecord().Tags)
}

func TestWebhook_LegacyPath(t *testing.T) {
	e := newEnv(t)
	body := webhookBody(4343)

	resp := e.do(t, "POST", "/zendesk-webhook", "", body, signed(body, ""))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[model.WebhookAccepted](t, resp)
	assert.Equal(t, "4343", accepted.TicketID)
	assert.Equal(t, []uuid.UUID{accepted.RunID}, e.queue.ids)

	resp = e.do(t, "POST", "/zendesk-webhook", "", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the alias is signature checked too")
}

func TestWebhook_Signature(t *testing.T) {
	e := newEnv(t)
	body := webhookBody(1)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing", headers: nil},
		{name: "wrong secret", headers: map[string]string{
			"X-Zendesk-Webhook-Signature":           zendesk.Sign("other", "1", body),
			"X-Zendesk-Webhook-Signature-Timestamp": "1",
		}},
		{name: "timestamp mismatch", headers: map[string]string{
			"X-Zendesk-Webhook-Signature":           zendesk.Sign(webhookSecret, "1", body),
			"X-Zendesk-Webhook-Signature-Timestamp": "2",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, "POST", "/webhooks/zendesk", "", body, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Empty(t, e.queue.ids)
}

func TestWebhook_InvalidPayload(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("{")},
		{name: "bad email", body: []byte(`{"ticket_id":"1","subject":"x","status":"new","requester_email":"nope","created_at":"2026-01-01T00:00:00Z"}`)},
		{name: "non-numeric id", body: []byte(`{"ticket_id":"abc","subject":"x","status":"new","requester_email":"a@b.c","created_at":"2026-01-01T00:00:00Z"}`)},
		{name: "no content", body: []byte(`{"ticket_id":"1","status":"new","requester_email":"a@b.c","created_at":"2026-01-01T00:00:00Z"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, "POST", "/webhooks/zendesk", "", tt.body, signed(tt.body, ""))
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
		})
	}
	_, total, err := e.store.ListRuns(context.Background(), model.RunFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWebhook_RedeliveryReturnsOriginalRun(t *testing.T) {
	e := newEnv(t)
	body := webhookBody(77)

	first := e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, "inv-1"))
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	original := decode[model.WebhookAccepted](t, first)

	again := e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, "inv-1"))
	require.Equal(t, http.StatusOK, again.StatusCode)
	replay := decode[model.WebhookAccepted](t, again)
	assert.Equal(t, original.RunID, replay.RunID)
	assert.True(t, replay.Duplicate)

	_, total, err := e.store.ListRuns(context.Background(), model.RunFilter{TicketID: "77"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestWebhook_ConcurrentDuplicateConflicts(t *testing.T) {
	e := newEnv(t)
	body := webhookBody(78)

	// Another request holds the reservation.
	_, err := e.store.BeginDelivery(context.Background(), "inv-busy", "78")
	require.NoError(t, err)

	resp := e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, "inv-busy"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, resp))
}

func TestAuthToken(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		req  model.AuthTokenRequest
		want int
	}{
		{name: "wrong key", req: model.AuthTokenRequest{ReviewerID: "admin", APIKey: "nope"}, want: http.StatusUnauthorized},
		{name: "unknown reviewer", req: model.AuthTokenRequest{ReviewerID: "ghost", APIKey: adminKey}, want: http.StatusUnauthorized},
		{name: "missing fields", req: model.AuthTokenRequest{ReviewerID: "admin"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, "POST", "/auth/token", "", tt.req, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "GET", "/v1/runs", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, "GET", "/v1/runs", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoleEnforcement(t *testing.T) {
	e := newEnv(t)
	viewer := e.reviewer(t, "vic", model.RoleViewer)
	runID := e.suspended(t, 500)

	resp := e.do(t, "GET", "/v1/runs/"+runID.String(), viewer, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/runs/"+runID.String()+"/review", viewer,
		model.ReviewRequest{Action: model.ReviewReject}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, "GET", "/v1/reviewers", viewer, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListAndGetRuns(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 600)
	body := webhookBody(601)
	require.Equal(t, http.StatusAccepted,
		e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, "")).StatusCode)

	resp := e.do(t, "GET", "/v1/runs?state=awaiting_review", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data    []model.RunView `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 1, list.Total)
	assert.False(t, list.HasMore)
	assert.Equal(t, runID, list.Data[0].ID)
	require.NotNil(t, list.Data[0].ResumeToken)
	assert.Equal(t, runID.String(), *list.Data[0].ResumeToken)

	resp = e.do(t, "GET", "/v1/runs?limit=1", e.admin, nil, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Data, 1)
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.HasMore)

	resp = e.do(t, "GET", "/v1/runs?state=bogus", e.admin, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "GET", "/v1/runs/"+uuid.NewString(), e.admin, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, "GET", "/v1/runs/not-a-uuid", e.admin, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunEvents(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 700)

	resp := e.do(t, "GET", "/v1/runs/"+runID.String()+"/events", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := decode[[]model.RunEvent](t, resp)
	require.NotEmpty(t, evs)
	assert.Equal(t, model.StateReceived, evs[0].To)
	assert.Equal(t, model.StateAwaitingReview, evs[len(evs)-1].To)

	resp = e.do(t, "GET", "/v1/runs/"+uuid.NewString()+"/events", e.admin, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReview_ApproveThenConflict(t *testing.T) {
	e := newEnv(t)
	reviewer := e.reviewer(t, "rita", model.RoleReviewer)
	runID := e.suspended(t, 800)

	resp := e.do(t, "POST", "/v1/runs/"+runID.String()+"/review", reviewer,
		model.ReviewRequest{Action: model.ReviewApprove, Note: "looks right"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[model.RunView](t, resp)
	assert.Equal(t, model.StateAutoSent, view.State)
	assert.Nil(t, view.ResumeToken)
	require.Len(t, e.source.applied, 1)
	assert.Contains(t, e.source.applied[0].AdditionalTags, escalation.ReviewedTag)

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	sent := run.State.(model.AutoSent)
	require.NotNil(t, sent.Review)
	assert.Equal(t, "rita", sent.Review.ReviewerID)

	resp = e.do(t, "POST", "/v1/runs/"+runID.String()+"/review", reviewer,
		model.ReviewRequest{Action: model.ReviewApprove}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReview_HelpdeskUnreachableIsBadGateway(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 805)
	path := "/v1/runs/" + runID.String() + "/review"

	e.source.mu.Lock()
	e.source.applyErr = &zendesk.TransportError{Method: http.MethodPut, Path: "/tickets/805.json", Err: io.ErrUnexpectedEOF}
	e.source.mu.Unlock()

	resp := e.do(t, "POST", path, e.admin, model.ReviewRequest{Action: model.ReviewApprove}, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnavailable, errorCode(t, resp))

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingReview, run.State.Name())

	e.source.mu.Lock()
	e.source.applyErr = nil
	e.source.mu.Unlock()

	resp = e.do(t, "POST", path, e.admin, model.ReviewRequest{Action: model.ReviewApprove}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "the claim is released after a failed delivery")
	assert.Equal(t, model.StateAutoSent, decode[model.RunView](t, resp).State)
}

func TestReview_InvalidRequests(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 810)
	path := "/v1/runs/" + runID.String() + "/review"

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown action", body: map[string]string{"action": "maybe"}, want: http.StatusBadRequest},
		{name: "edit without body", body: model.ReviewRequest{Action: model.ReviewEdit}, want: http.StatusBadRequest},
		{name: "unknown field", body: map[string]string{"action": "reject", "reviewer_id": "someone"}, want: http.StatusBadRequest},
		{name: "empty body", body: []byte{}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, "POST", path, e.admin, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Empty(t, e.source.applied)
}

func TestReview_RejectDoesNotTouchTicket(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 820)

	resp := e.do(t, "POST", "/v1/runs/"+runID.String()+"/review", e.admin,
		model.ReviewRequest{Action: model.ReviewReject, Note: "wrong product"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StateRejected, decode[model.RunView](t, resp).State)
	assert.Empty(t, e.source.applied)
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	runID := e.suspended(t, 900)
	path := "/v1/runs/" + runID.String() + "/cancel"

	resp := e.do(t, "POST", path, e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StateCancelled, decode[model.RunView](t, resp).State)

	resp = e.do(t, "POST", path, e.admin, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := webhookBody(901)
	accepted := decode[model.WebhookAccepted](t, e.do(t, "POST", "/webhooks/zendesk", "", body, signed(body, "")))
	resp = e.do(t, "POST", "/v1/runs/"+accepted.RunID.String()+"/cancel", e.admin, nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	view := decode[model.RunView](t, resp)
	assert.Equal(t, model.StateReceived, view.State)
	assert.True(t, view.CancelRequested)
}

func TestRerun(t *testing.T) {
	e := newEnv(t)
	parent := e.suspended(t, 1000)

	resp := e.do(t, "POST", "/v1/tickets/1000/runs", e.admin,
		model.RerunRequest{ParentRunID: &parent}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	view := decode[model.RunView](t, resp)
	require.NotNil(t, view.ParentRunID)
	assert.Equal(t, parent, *view.ParentRunID)
	assert.Equal(t, model.StateReceived, view.State)
	assert.Equal(t, 1, e.source.fetches)
	assert.Contains(t, e.queue.ids, view.ID)

	// The earlier run is untouched.
	prev, err := e.store.GetRun(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingReview, prev.State.Name())

	resp = e.do(t, "POST", "/v1/tickets/1000/runs", e.admin, nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/tickets/2000/runs", e.admin,
		model.RerunRequest{ParentRunID: &parent}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReviewers(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/v1/reviewers", e.admin,
		model.CreateReviewerRequest{ReviewerID: "kai", Name: "Kai"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.CreateReviewerResponse](t, resp)
	assert.Equal(t, model.RoleReviewer, created.Reviewer.Role)
	require.NotEmpty(t, created.APIKey)
	assert.NotEmpty(t, e.token(t, "kai", created.APIKey))

	resp = e.do(t, "POST", "/v1/reviewers", e.admin,
		model.CreateReviewerRequest{ReviewerID: "kai"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/reviewers", e.admin,
		model.CreateReviewerRequest{ReviewerID: "bad id!"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/reviewers", e.admin,
		model.CreateReviewerRequest{ReviewerID: "zed", Role: "owner"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "GET", "/v1/reviewers", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]model.Reviewer](t, resp)
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ReviewerID
	}
	assert.Equal(t, []string{"admin", "kai"}, ids)
}

func TestSeedAdmin_Idempotent(t *testing.T) {
	e := newEnv(t)
	// A second seed with another key keeps the original admin.
	srv := server.New(server.ServerConfig{Store: e.store, Logger: testutil.TestLogger()})
	require.NoError(t, srv.Handlers().SeedAdmin(context.Background(), "another-key"))
	assert.NotEmpty(t, e.token(t, "admin", adminKey))
}
