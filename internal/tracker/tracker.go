// Package tracker is the issue tracker client: repository metadata and
// permission lookup, paged open-issue listing, and pull request creation
// against the GitHub REST API. Every error leaving this package has a
// distinct kind and is scrubbed of the access token.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scopeflow/internal/errkind"
	"scopeflow/internal/httputil"
)

// PageSize is how many issues one page fetch requests. A full page means
// another page may follow.
const PageSize = 100

const defaultBaseURL = "https://api.github.com"

// Client talks to one tracker host with one credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a tracker client. baseURL and httpClient may be empty
// to use the real API host and a default bounded-timeout client.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = httputil.NewClient(httputil.DefaultTimeout)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// ParseRepoURL decomposes a repository URL or owner/name shorthand into
// exactly those two parts. Anything else is a validation failure.
func ParseRepoURL(raw string) (owner, name string, err error) {
	trimmed := strings.TrimSpace(raw)
	path := trimmed
	if strings.Contains(trimmed, "://") {
		u, parseErr := url.Parse(trimmed)
		if parseErr != nil {
			return "", "", errkind.New(errkind.Validation, "invalid repository URL %q", raw)
		}
		path = u.Path
	} else if at := strings.Index(trimmed, ":"); at > 0 && strings.Contains(trimmed[:at], "@") {
		// git@host:owner/name form.
		path = trimmed[at+1:]
	}
	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errkind.New(errkind.Validation, "repository must be owner/name, got %q", raw)
	}
	return parts[0], parts[1], nil
}

// Repository is the metadata needed at connect time.
type Repository struct {
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Permissions   struct {
		Push bool `json:"push"`
	} `json:"permissions"`
}

// GetRepository fetches repository metadata, including whether the
// credential grants push access.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (Repository, error) {
	var repo Repository
	u := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, name)
	if err := c.getJSON(ctx, u, "fetch repository", &repo); err != nil {
		return Repository{}, err
	}
	return repo, nil
}

// Issue is one open tracker issue as listed.
type Issue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	Labels    []string
	Author    string
	CreatedAt time.Time
	Status    string
}

type listedIssue struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt   string    `json:"created_at"`
	State       string    `json:"state"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// ListOpenIssues fetches one page of open issues. Pull requests share the
// issues listing upstream and are excluded here. hasMore reports whether
// the raw page was full, i.e. another page may exist.
func (c *Client) ListOpenIssues(ctx context.Context, owner, name string, page int) (issues []Issue, hasMore bool, err error) {
	params := url.Values{
		"state":    {"open"},
		"per_page": {fmt.Sprintf("%d", PageSize)},
		"page":     {fmt.Sprintf("%d", page)},
	}
	u := fmt.Sprintf("%s/repos/%s/%s/issues?%s", c.baseURL, owner, name, params.Encode())

	var listed []listedIssue
	if err := c.getJSON(ctx, u, "list issues", &listed); err != nil {
		return nil, false, err
	}

	for _, it := range listed {
		if it.PullRequest != nil {
			continue
		}
		labels := make([]string, 0, len(it.Labels))
		for _, l := range it.Labels {
			labels = append(labels, l.Name)
		}
		createdAt, _ := time.Parse(time.RFC3339, it.CreatedAt)
		issues = append(issues, Issue{
			ID:        it.ID,
			Number:    it.Number,
			Title:     it.Title,
			Body:      it.Body,
			Labels:    labels,
			Author:    it.User.Login,
			CreatedAt: createdAt,
			Status:    it.State,
		})
	}
	return issues, len(listed) == PageSize, nil
}

// NewPullRequest describes the PR to open.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// CreatePullRequest opens a pull request and returns its HTML URL.
func (c *Client) CreatePullRequest(ctx context.Context, owner, name string, pr NewPullRequest) (string, error) {
	payload, err := json.Marshal(pr)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err, "marshal pull request")
	}
	u := fmt.Sprintf("%s/repos/%s/%s/pulls", c.baseURL, owner, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err, "build pull request")
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httputil.Do(ctx, c.http, req)
	if err != nil {
		return "", c.scrub(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", c.apiError(resp, "create pull request")
	}
	var result struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errkind.Wrap(errkind.Upstream, c.scrub(err), "decode pull request response")
	}
	return result.HTMLURL, nil
}

func (c *Client) getJSON(ctx context.Context, u, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "build %s request", op)
	}
	c.setHeaders(req)

	resp, err := httputil.Do(ctx, c.http, req)
	if err != nil {
		return c.scrub(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.Upstream, c.scrub(err), "decode %s response", op)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
}

// apiError maps a non-2xx tracker response to the error taxonomy. A 403 is
// throttling when the rate limit headers or body say so, and a permission
// refusal otherwise.
func (c *Client) apiError(resp *http.Response, op string) error {
	body := errkind.Scrub(httputil.ReadErrorBody(resp), c.token)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errkind.New(errkind.Auth, "%s: credential rejected (HTTP 401)", op)
	case http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			strings.Contains(strings.ToLower(body), "rate limit") {
			return errkind.New(errkind.RateLimit, "%s: rate limited (HTTP 403)", op)
		}
		return errkind.New(errkind.Permission, "%s: forbidden (HTTP 403): %s", op, body)
	case http.StatusNotFound:
		return errkind.New(errkind.NotFound, "%s: not found (HTTP 404)", op)
	case http.StatusUnprocessableEntity:
		return errkind.New(errkind.Validation, "%s: rejected (HTTP 422): %s", op, body)
	default:
		return errkind.New(errkind.Upstream, "%s: HTTP %d: %s", op, resp.StatusCode, body)
	}
}

func (c *Client) scrub(err error) error {
	return errkind.ScrubErr(err, c.token)
}
