// Package agent is the client for the remote coding agent's session API:
// create a session from a prompt, poll its status and structured output,
// and send follow-up guidance. There is no push channel; progress is
// observed only by polling.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"scopeflow/internal/errkind"
	"scopeflow/internal/httputil"
)

// Client talks to one agent service with one API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds an agent client. httpClient may be nil to use a
// default bounded-timeout client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(httputil.DefaultTimeout)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

// CreateSessionRequest starts a new agent session. Unlisted keeps the
// session out of the agent service's public listing; RequireApproval makes
// the agent stop for plan approval before touching code.
type CreateSessionRequest struct {
	Prompt          string `json:"prompt"`
	Unlisted        bool   `json:"unlisted"`
	RequireApproval bool   `json:"require_approval"`
}

// CreatedSession is the handle returned for a new session.
type CreatedSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreatedSession, error) {
	var created CreatedSession
	err := c.postJSON(ctx, c.baseURL+"/v1/sessions", "create agent session", req, &created)
	if err != nil {
		return CreatedSession{}, err
	}
	if created.ID == "" {
		return CreatedSession{}, errkind.New(errkind.Upstream, "create agent session: empty session id")
	}
	return created, nil
}

// Message is one transcript entry.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionState is the polled view of a session. Status is the service's
// own vocabulary; StructuredOutput is the raw structured_output value and
// may be absent.
type SessionState struct {
	Status           string          `json:"status"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Messages         []Message       `json:"messages"`
	URL              string          `json:"url"`
}

// Transcript returns the message texts in order.
func (s SessionState) Transcript() []string {
	out := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m.Message)
	}
	return out
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionState, error) {
	u := fmt.Sprintf("%s/v1/session/%s", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SessionState{}, errkind.Wrap(errkind.Internal, err, "build get session request")
	}
	c.setHeaders(req)

	resp, err := httputil.Do(ctx, c.http, req)
	if err != nil {
		return SessionState{}, c.scrub(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SessionState{}, c.apiError(resp, "get agent session")
	}
	var state SessionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return SessionState{}, errkind.Wrap(errkind.Upstream, c.scrub(err), "decode agent session")
	}
	return state, nil
}

// SendMessage appends free-text guidance to a session. Any phase change it
// provokes shows up on a later poll.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) error {
	u := fmt.Sprintf("%s/v1/session/%s/message", c.baseURL, sessionID)
	payload := struct {
		Message string `json:"message"`
	}{Message: message}
	return c.postJSON(ctx, u, "send agent message", payload, nil)
}

func (c *Client) postJSON(ctx context.Context, u, op string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "marshal %s payload", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "build %s request", op)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httputil.Do(ctx, c.http, req)
	if err != nil {
		return c.scrub(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.apiError(resp, op)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.Upstream, c.scrub(err), "decode %s response", op)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) apiError(resp *http.Response, op string) error {
	body := errkind.Scrub(httputil.ReadErrorBody(resp), c.apiKey)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errkind.New(errkind.Auth, "%s: credential rejected (HTTP 401)", op)
	case http.StatusForbidden:
		return errkind.New(errkind.Permission, "%s: forbidden (HTTP 403): %s", op, body)
	case http.StatusNotFound:
		return errkind.New(errkind.NotFound, "%s: not found (HTTP 404)", op)
	case http.StatusTooManyRequests:
		return errkind.New(errkind.RateLimit, "%s: rate limited (HTTP 429)", op)
	default:
		return errkind.New(errkind.Upstream, "%s: HTTP %d: %s", op, resp.StatusCode, body)
	}
}

func (c *Client) scrub(err error) error {
	return errkind.ScrubErr(err, c.apiKey)
}
