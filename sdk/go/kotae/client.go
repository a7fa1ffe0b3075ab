package kotae

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kotae server (e.g. "http://localhost:8080").
	BaseURL string

	// ReviewerID identifies the reviewer for authentication. Review
	// decisions are recorded under this identity.
	ReviewerID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kotae reviewer API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ReviewerID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kotae: BaseURL is required")
	}
	if cfg.ReviewerID == "" {
		return nil, fmt.Errorf("kotae: ReviewerID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kotae: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ReviewerID, cfg.APIKey, httpClient),
	}, nil
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*RunPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.State != "" {
			params.Set("state", opts.State)
		}
		if opts.TicketID != "" {
			params.Set("ticket_id", opts.TicketID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp listEnvelope[Run]
	if err := c.getRaw(ctx, path, &resp); err != nil {
		return nil, err
	}
	page := &RunPage{
		Runs:    resp.Data,
		HasMore: resp.HasMore,
		Limit:   resp.Limit,
		Offset:  resp.Offset,
	}
	if resp.Total != nil {
		page.Total = *resp.Total
	}
	return page, nil
}

// PendingReviews lists runs waiting for a human decision.
func (c *Client) PendingReviews(ctx context.Context, limit int) (*RunPage, error) {
	return c.ListRuns(ctx, &ListRunsOptions{State: StateAwaitingReview, Limit: limit})
}

// GetRun retrieves a single run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunEvents returns a run's state transitions, oldest first.
func (c *Client) RunEvents(ctx context.Context, runID uuid.UUID) ([]RunEvent, error) {
	var resp []RunEvent
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/events", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Review records a decision on a run waiting for review. The run ID is the
// resume token. A second decision on the same run fails with IsConflict.
func (c *Client) Review(ctx context.Context, runID uuid.UUID, req ReviewRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/review", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve sends the stored draft as written.
func (c *Client) Approve(ctx context.Context, runID uuid.UUID, note string) (*Run, error) {
	return c.Review(ctx, runID, ReviewRequest{Action: ActionApprove, Note: note})
}

// Edit sends body in place of the draft.
func (c *Client) Edit(ctx context.Context, runID uuid.UUID, body, note string) (*Run, error) {
	return c.Review(ctx, runID, ReviewRequest{Action: ActionEdit, Body: body, Note: note})
}

// Reject closes the run without touching the ticket.
func (c *Client) Reject(ctx context.Context, runID uuid.UUID, note string) (*Run, error) {
	return c.Review(ctx, runID, ReviewRequest{Action: ActionReject, Note: note})
}

// Cancel cancels a run. An active run is only flagged; check
// Run.CancelRequested and poll GetRun for the final state.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rerun starts a new run for ticketID from the ticket's current state.
// parent, when set, must be a run of the same ticket.
func (c *Client) Rerun(ctx context.Context, ticketID string, parent *uuid.UUID) (*Run, error) {
	body := map[string]any{}
	if parent != nil {
		body["parent_run_id"] = parent.String()
	}
	var resp Run
	if err := c.post(ctx, "/v1/tickets/"+url.PathEscape(ticketID)+"/runs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForState polls a run until it reaches a terminal state or one of
// states, or ctx ends.
func (c *Client) WaitForState(ctx context.Context, runID uuid.UUID, interval time.Duration, states ...string) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		for _, s := range states {
			if run.State == s {
				return run, nil
			}
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListReviewers lists all reviewers. Requires the admin role.
func (c *Client) ListReviewers(ctx context.Context) ([]Reviewer, error) {
	var resp []Reviewer
	if err := c.get(ctx, "/v1/reviewers", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateReviewer creates a reviewer. Requires the admin role.
func (c *Client) CreateReviewer(ctx context.Context, req CreateReviewerRequest) (*CreateReviewerResponse, error) {
	var resp CreateReviewerResponse
	if err := c.post(ctx, "/v1/reviewers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated response wrapper.
type listEnvelope[T any] struct {
	Data    []T  `json:"data"`
	Total   *int `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kotae: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest, true)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest, true)
}

// getRaw is get without unwrapping the data envelope, for list responses
// whose pagination fields sit beside data.
func (c *Client) getRaw(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest, false)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kotae: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest, true)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any, unwrap bool) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest, unwrap)
}

func handleResponse(resp *http.Response, dest any, unwrap bool) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kotae: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if !unwrap {
		return json.Unmarshal(bodyBytes, dest)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kotae: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
