// Package apiclient is the typed client for the daemon's HTTP API. The
// daemon owns all state in memory, so CLI commands and the TUI go through
// this client rather than opening a store of their own.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"scopeflow/internal/errkind"
	"scopeflow/internal/gateway"
	"scopeflow/internal/httputil"
)

// Client talks to one running daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(httputil.DefaultTimeout)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Health reports whether the daemon is up.
type Health struct {
	Status         string `json:"status"`
	UptimeSeconds  int    `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) Connect(ctx context.Context, repoURL, credential string) (gateway.RepoView, error) {
	var repo gateway.RepoView
	err := c.do(ctx, http.MethodPost, "/api/repos/connect",
		gateway.ConnectRequest{RepoURL: repoURL, Credential: credential}, &repo)
	return repo, err
}

func (c *Client) ListRepos(ctx context.Context) ([]gateway.RepoView, error) {
	var repos []gateway.RepoView
	err := c.do(ctx, http.MethodGet, "/api/repos", nil, &repos)
	return repos, err
}

func (c *Client) DeleteRepo(ctx context.Context, repoID string) error {
	return c.do(ctx, http.MethodDelete, "/api/repos/"+url.PathEscape(repoID), nil, nil)
}

func (c *Client) Resync(ctx context.Context, repoID string) (gateway.RepoView, error) {
	var repo gateway.RepoView
	err := c.do(ctx, http.MethodPost, "/api/repos/"+url.PathEscape(repoID)+"/resync", nil, &repo)
	return repo, err
}

func (c *Client) FetchMore(ctx context.Context, repoID string) (gateway.RepoView, error) {
	var repo gateway.RepoView
	err := c.do(ctx, http.MethodPost, "/api/repos/"+url.PathEscape(repoID)+"/more", nil, &repo)
	return repo, err
}

// IssueQuery mirrors the gateway's issue query parameters. Zero values
// fall back to the server defaults.
type IssueQuery struct {
	TitleFilter string
	LabelFilter string
	SortField   string
	Order       string
	Page        int
	PageSize    int
}

func (c *Client) QueryIssues(ctx context.Context, repoID string, q IssueQuery) (gateway.IssuePageView, error) {
	params := url.Values{}
	if q.TitleFilter != "" {
		params.Set("q", q.TitleFilter)
	}
	if q.LabelFilter != "" {
		params.Set("label", q.LabelFilter)
	}
	if q.SortField != "" {
		params.Set("sort", q.SortField)
	}
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.Page > 0 {
		params.Set("page", fmt.Sprintf("%d", q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", fmt.Sprintf("%d", q.PageSize))
	}
	path := "/api/repos/" + url.PathEscape(repoID) + "/issues"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page gateway.IssuePageView
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) Scope(ctx context.Context, repoID string, issueID int64, req gateway.ScopeAPIRequest) (gateway.SessionView, error) {
	var sess gateway.SessionView
	path := fmt.Sprintf("/api/repos/%s/issues/%d/scope", url.PathEscape(repoID), issueID)
	err := c.do(ctx, http.MethodPost, path, req, &sess)
	return sess, err
}

// Poll refreshes one session from the daemon, which in turn polls the
// agent service and evaluates the pull request trigger.
func (c *Client) Poll(ctx context.Context, sessionID string) (gateway.SessionView, error) {
	var sess gateway.SessionView
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &sess)
	return sess, err
}

func (c *Client) SendMessage(ctx context.Context, sessionID, message string) error {
	payload := struct {
		Message string `json:"message"`
	}{Message: message}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/message", payload, nil)
}

func (c *Client) Execute(ctx context.Context, sessionID string, req gateway.ExecuteAPIRequest) (gateway.SessionView, error) {
	var sess gateway.SessionView
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/execute", req, &sess)
	return sess, err
}

func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, nil)
}

// ActiveSessionView is one non-terminal session with display metadata.
type ActiveSessionView struct {
	gateway.SessionView
	Repo       string `json:"repo"`
	IssueTitle string `json:"issue_title"`
}

func (c *Client) ListActive(ctx context.Context) ([]ActiveSessionView, error) {
	var active []ActiveSessionView
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &active)
	return active, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return errkind.Wrap(errkind.Internal, err, "marshal request")
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httputil.Do(ctx, c.http, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e gateway.ErrorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&e); decodeErr == nil && e.Error != "" {
			return errkind.New(errkind.Kind(e.Kind), "%s", e.Error)
		}
		return errkind.New(errkind.Upstream, "daemon returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.Upstream, err, "decode daemon response")
	}
	return nil
}
