package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func TestPendingResource_OldestFirst(t *testing.T) {
	h := newHarness(t)
	older := h.suspended(t, "900")
	newer := h.suspended(t, "901")

	contents, err := h.srv.handlePendingResource(asRole("vic", model.RoleViewer), readRequest(pendingURI))
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, pendingURI, tc.URI)
	assert.Equal(t, "application/json", tc.MIMEType)

	var out struct {
		Runs  []map[string]any `json:"runs"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Runs, 2)
	assert.Equal(t, older.String(), out.Runs[0]["id"])
	assert.Equal(t, newer.String(), out.Runs[1]["id"])
}

func TestRunResource(t *testing.T) {
	h := newHarness(t)
	id := h.suspended(t, "910")
	ctx := asRole("vic", model.RoleViewer)

	contents, err := h.srv.handleRunResource(ctx, readRequest(runURIPrefix+id.String()))
	require.NoError(t, err)
	tc := contents[0].(mcplib.TextResourceContents)
	var view model.RunView
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, model.StateAwaitingReview, view.State)

	_, err = h.srv.handleRunResource(ctx, readRequest(runURIPrefix+"not-a-uuid"))
	assert.Error(t, err)
	_, err = h.srv.handleRunResource(ctx, readRequest(runURIPrefix+uuid.NewString()))
	assert.Error(t, err)
	_, err = h.srv.handleRunResource(context.Background(), readRequest(runURIPrefix+id.String()))
	assert.Error(t, err, "resources require claims")
}
