// Package zendesk is the ticket source adapter: a REST client for fetching
// and updating tickets, plus parsing and verification of trigger webhooks.
package zendesk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// maxRetryAfter caps how long a Retry-After header can stall one request.
const maxRetryAfter = 60 * time.Second

// Config holds the client settings.
type Config struct {
	Subdomain string
	Email     string
	APIToken  string

	// BaseURL overrides https://{subdomain}.zendesk.com/api/v2.
	BaseURL string

	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// StatusError is an unexpected HTTP status from the Zendesk API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zendesk: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// TransportError is a failed Zendesk call that got no HTTP response. For a
// PUT the update may or may not have been applied.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("zendesk: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the Zendesk Support API with API-token basic auth.
type Client struct {
	baseURL        string
	authHeader     string
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	logger         *slog.Logger
}

// New creates a Client. Subdomain (or BaseURL), Email and APIToken are
// required.
func New(cfg Config) (*Client, error) {
	if (cfg.Subdomain == "" && cfg.BaseURL == "") || cfg.Email == "" || cfg.APIToken == "" {
		return nil, errors.New("zendesk: subdomain, email and api token are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://" + cfg.Subdomain + ".zendesk.com/api/v2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Email + "/token:" + cfg.APIToken))
	return &Client{
		baseURL:        strings.TrimRight(base, "/"),
		authHeader:     "Basic " + creds,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		logger:         cfg.Logger,
	}, nil
}

type apiUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type apiTicket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    *string   `json:"priority"`
	Tags        []string  `json:"tags"`
	RequesterID int64     `json:"requester_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
	Via         struct {
		Channel string `json:"channel"`
	} `json:"via"`
}

type ticketEnvelope struct {
	Ticket apiTicket `json:"ticket"`
	Users  []apiUser `json:"users,omitempty"`
}

// Fetch returns the ticket with its requester side-loaded and the ticket's
// updated_at stamp as its version.
func (c *Client) Fetch(ctx context.Context, ticketID string) (model.TicketRecord, string, error) {
	path := "/tickets/" + url.PathEscape(ticketID) + ".json"
	var env ticketEnvelope
	if err := c.do(ctx, http.MethodGet, path, url.Values{"include": {"users"}}, nil, &env, ticketID, ""); err != nil {
		return model.TicketRecord{}, "", err
	}

	t := env.Ticket
	rec := model.TicketRecord{
		ID:        strconv.FormatInt(t.ID, 10),
		Subject:   t.Subject,
		Body:      t.Description,
		Status:    t.Status,
		Tags:      model.NormalizeTags(t.Tags),
		CreatedAt: t.CreatedAt,
	}
	if t.Priority != nil && *t.Priority != "" {
		p := *t.Priority
		rec.Priority = &p
	}
	if t.Via.Channel != "" {
		ch := t.Via.Channel
		rec.Channel = &ch
	}
	for _, u := range env.Users {
		if u.ID == t.RequesterID {
			rec.RequesterEmail, rec.RequesterName = u.Email, u.Name
			break
		}
	}
	return rec, t.UpdatedAt, nil
}

// Apply updates the ticket. A non-empty stamp turns on safe_update, so the
// write is refused with *model.ConflictError if the ticket changed since the
// stamp was taken. A conflict is never retried. It returns the ticket's new
// updated_at.
func (c *Client) Apply(ctx context.Context, ticketID string, u model.TicketUpdate, stamp string) (string, error) {
	if err := u.Validate(); err != nil {
		return "", err
	}
	q := url.Values{}
	if stamp != "" {
		q.Set("safe_update", "true")
		q.Set("updated_stamp", stamp)
	}
	body, err := json.Marshal(map[string]model.TicketUpdate{"ticket": u})
	if err != nil {
		return "", fmt.Errorf("zendesk: marshal update: %w", err)
	}

	path := "/tickets/" + url.PathEscape(ticketID) + ".json"
	var env ticketEnvelope
	if err := c.do(ctx, http.MethodPut, path, q, body, &env, ticketID, stamp); err != nil {
		return "", err
	}
	return env.Ticket.UpdatedAt, nil
}

// do performs one API call, retrying 429 and 503 with exponential backoff
// and honouring Retry-After. Transport errors are retried for GET only.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any, ticketID, stamp string) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("zendesk: create request: %w", err))
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			te := &TransportError{Method: method, Path: path, Err: err}
			// Ticket updates append comments, so a dropped PUT is never
			// replayed: Zendesk may already have applied it.
			if ctx.Err() != nil || method != http.MethodGet {
				return struct{}{}, backoff.Permanent(te)
			}
			return struct{}{}, te
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return struct{}{}, nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("zendesk: decode response: %w", err))
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusNotFound:
			return struct{}{}, backoff.Permanent(&model.NotFoundError{TicketID: ticketID})
		case resp.StatusCode == http.StatusConflict:
			return struct{}{}, backoff.Permanent(&model.ConflictError{TicketID: ticketID, Stamp: stamp})
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
			return struct{}{}, backoff.Permanent(se)
		}
		if secs, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			c.logger.Warn("zendesk: rate limited", "path", path, "attempt", attempt, "retry_after_s", secs)
			return struct{}{}, errors.Join(se, backoff.RetryAfter(secs))
		}
		return struct{}{}, se
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
	return unwrapRetryAfter(err)
}

// retryAfter parses a delay-seconds Retry-After header.
func retryAfter(h string) (int, bool) {
	if h == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(secs, int(maxRetryAfter/time.Second)), true
}

// unwrapRetryAfter strips the retry hint from an exhausted error so callers
// see the StatusError.
func unwrapRetryAfter(err error) error {
	var se *StatusError
	if err != nil && errors.As(err, &se) {
		return se
	}
	return err
}
