package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "no HSTS over plain HTTP")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	t.Run("propagates client ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	})

	t.Run("replaces oversized ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		h.ServeHTTP(rec, req)
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(discardLogger(),
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.NotContains(t, apiErr.Error.Message, "boom")
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestRecoveryMiddleware_AbortHandlerRepanics(t *testing.T) {
	h := recoveryMiddleware(discardLogger(),
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	})
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.Reviewer{ReviewerID: "rita", Role: model.RoleReviewer})
	require.NoError(t, err)

	var claims *auth.Claims
	h := requestIDMiddleware(authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ctxutil.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "public path", path: "/health", want: http.StatusOK},
		{name: "webhook is public", path: "/webhooks/zendesk", want: http.StatusOK},
		{name: "missing header", path: "/v1/runs", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/v1/runs", header: "Basic " + token, want: http.StatusUnauthorized},
		{name: "garbage token", path: "/v1/runs", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/runs", header: "bearer " + token, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims = nil
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	require.NotNil(t, claims)
	assert.Equal(t, "rita", claims.ReviewerID)
}

func TestLoggingMiddleware_SeesReviewer(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.Reviewer{ReviewerID: "vic", Role: model.RoleViewer})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := requestIDMiddleware(loggingMiddleware(logger, authMiddleware(mgr, okHandler)))

	req := httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "vic", entry["reviewer_id"])
	assert.EqualValues(t, http.StatusOK, entry["status"])
	assert.Equal(t, "/v1/runs", entry["path"])
}

func TestRequireAction(t *testing.T) {
	tests := []struct {
		name   string
		claims *auth.Claims
		action authz.Action
		want   int
	}{
		{name: "no claims", action: authz.ActionViewRuns, want: http.StatusUnauthorized},
		{name: "viewer can view", claims: &auth.Claims{ReviewerID: "v", Role: model.RoleViewer}, action: authz.ActionViewRuns, want: http.StatusOK},
		{name: "viewer cannot review", claims: &auth.Claims{ReviewerID: "v", Role: model.RoleViewer}, action: authz.ActionReview, want: http.StatusForbidden},
		{name: "reviewer can cancel", claims: &auth.Claims{ReviewerID: "r", Role: model.RoleReviewer}, action: authz.ActionCancel, want: http.StatusOK},
		{name: "reviewer cannot manage", claims: &auth.Claims{ReviewerID: "r", Role: model.RoleReviewer}, action: authz.ActionManageReviewers, want: http.StatusForbidden},
		{name: "admin can manage", claims: &auth.Claims{ReviewerID: "a", Role: model.RoleAdmin}, action: authz.ActionManageReviewers, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/anything", nil)
			if tt.claims != nil {
				req = req.WithContext(ctxutil.WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			requireAction(tt.action)(okHandler).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type target struct {
		Action string `json:"action"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr error
		status  int
	}{
		{name: "valid", body: `{"action":"approve"}`},
		{name: "empty", body: "", wantErr: errEmptyBody, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"action":"approve","extra":1}`, status: http.StatusBadRequest},
		{name: "trailing object", body: `{"action":"a"}{"action":"b"}`, status: http.StatusBadRequest},
		{name: "too large", body: `{"action":"` + strings.Repeat("a", 100) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var got target
			err := decodeJSON(rec, req, &got, 64)
			if tt.status == 0 {
				require.NoError(t, err)
				assert.Equal(t, "approve", got.Action)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			handleDecodeError(rec, req, err)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWriteList_HasMore(t *testing.T) {
	rec := httptest.NewRecorder()
	writeList(rec, httptest.NewRequest("GET", "/v1/runs", nil), []int{1, 2}, 2, 5, 2, 2)

	var resp struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 5, resp.Total)
	assert.True(t, resp.HasMore)
	assert.Equal(t, 2, resp.Offset)
}
