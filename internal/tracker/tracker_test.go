package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scopeflow/internal/errkind"
)

func TestParseRepoURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in          string
		owner, name string
		wantErr     bool
	}{
		{"https://github.com/octocat/hello-world", "octocat", "hello-world", false},
		{"https://github.com/octocat/hello-world.git", "octocat", "hello-world", false},
		{"https://github.com/octocat/hello-world/", "octocat", "hello-world", false},
		{"octocat/hello-world", "octocat", "hello-world", false},
		{"git@github.com:octocat/hello-world.git", "octocat", "hello-world", false},
		{"https://github.com/octocat", "", "", true},
		{"https://github.com/octocat/hello/extra", "", "", true},
		{"", "", "", true},
		{"octocat", "", "", true},
	}
	for _, tc := range cases {
		owner, name, err := ParseRepoURL(tc.in)
		if tc.wantErr {
			if !errkind.IsKind(err, errkind.Validation) {
				t.Fatalf("%q: expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if owner != tc.owner || name != tc.name {
			t.Fatalf("%q: got %s/%s, want %s/%s", tc.in, owner, name, tc.owner, tc.name)
		}
	}
}

func TestGetRepositoryReportsPushPermission(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octocat/hello-world" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{"full_name":"octocat/hello-world","html_url":"https://github.com/octocat/hello-world","default_branch":"main","permissions":{"push":true}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	repo, err := c.GetRepository(context.Background(), "octocat", "hello-world")
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if !repo.Permissions.Push || repo.DefaultBranch != "main" {
		t.Fatalf("unexpected repository: %+v", repo)
	}
}

func TestListOpenIssuesExcludesPullRequests(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "open" || q.Get("per_page") != "100" || q.Get("page") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		fmt.Fprint(w, `[
			{"id": 11, "number": 1, "title": "Bug A", "user": {"login": "ana"}, "labels": [{"name": "bug"}], "created_at": "2026-01-01T00:00:00Z", "state": "open"},
			{"id": 12, "number": 2, "title": "PR sneaking in", "user": {"login": "bot"}, "created_at": "2026-01-02T00:00:00Z", "state": "open", "pull_request": {}},
			{"id": 13, "number": 3, "title": "Bug B", "user": {"login": "bo"}, "created_at": "2026-01-03T00:00:00Z", "state": "open"}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	issues, hasMore, err := c.ListOpenIssues(context.Background(), "octocat", "hello-world", 1)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues after PR exclusion, got %d", len(issues))
	}
	if issues[0].Number != 1 || issues[1].Number != 3 {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if issues[0].Author != "ana" || len(issues[0].Labels) != 1 || issues[0].Labels[0] != "bug" {
		t.Fatalf("issue fields not mapped: %+v", issues[0])
	}
	if hasMore {
		t.Fatalf("partial page should not report more")
	}
}

func TestListOpenIssuesFullPageReportsMore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page []map[string]any
		for i := 0; i < PageSize; i++ {
			page = append(page, map[string]any{
				"id": i + 1, "number": i + 1, "title": fmt.Sprintf("issue %d", i+1),
				"user": map[string]any{"login": "ana"}, "created_at": "2026-01-01T00:00:00Z", "state": "open",
			})
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	issues, hasMore, err := c.ListOpenIssues(context.Background(), "octocat", "hello-world", 1)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) != PageSize || !hasMore {
		t.Fatalf("expected full page with more, got %d hasMore=%v", len(issues), hasMore)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   errkind.Kind
	}{
		{"401 auth", http.StatusUnauthorized, nil, "", errkind.Auth},
		{"403 permission", http.StatusForbidden, nil, `{"message":"Must have push access"}`, errkind.Permission},
		{"403 throttled header", http.StatusForbidden, http.Header{"X-Ratelimit-Remaining": {"0"}}, "", errkind.RateLimit},
		{"403 throttled body", http.StatusForbidden, nil, `{"message":"API rate limit exceeded"}`, errkind.RateLimit},
		{"404 not found", http.StatusNotFound, nil, "", errkind.NotFound},
		{"500 upstream", http.StatusInternalServerError, nil, "", errkind.Upstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", srv.Client())
			_, err := c.GetRepository(context.Background(), "octocat", "hello-world")
			if !errkind.IsKind(err, tc.want) {
				t.Fatalf("got kind %s (%v), want %s", errkind.KindOf(err), err, tc.want)
			}
		})
	}
}

func TestCreatePullRequest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/octocat/hello-world/pulls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var pr NewPullRequest
		if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if pr.Head != "fix/issue-7" || pr.Base != "main" || !strings.HasSuffix(pr.Body, "Closes #7") {
			t.Errorf("unexpected payload: %+v", pr)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"html_url":"https://github.com/octocat/hello-world/pull/42"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	url, err := c.CreatePullRequest(context.Background(), "octocat", "hello-world", NewPullRequest{
		Title: "Fix login crash",
		Body:  "Handles the nil session.\n\nCloses #7",
		Head:  "fix/issue-7",
		Base:  "main",
	})
	if err != nil {
		t.Fatalf("create pull request: %v", err)
	}
	if url != "https://github.com/octocat/hello-world/pull/42" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestCreatePullRequestInvalidPayloadIsValidation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Validation Failed"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client())
	_, err := c.CreatePullRequest(context.Background(), "octocat", "hello-world", NewPullRequest{})
	if !errkind.IsKind(err, errkind.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestErrorsNeverContainToken(t *testing.T) {
	t.Parallel()
	const token = "ghp_supersecret123"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, `{"message":"token %s lacks push access"}`, token)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, token, srv.Client())
	_, err := c.GetRepository(context.Background(), "octocat", "hello-world")
	if err == nil {
		t.Fatalf("expected error")
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("error leaked credential: %v", err)
	}
	if !strings.Contains(err.Error(), errkind.Redacted) {
		t.Fatalf("expected redaction marker in: %v", err)
	}
}

func TestTransportFailureIsNetwork(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	_, err := c.GetRepository(context.Background(), "octocat", "hello-world")
	if !errkind.IsKind(err, errkind.Network) {
		t.Fatalf("expected network error, got kind %s (%v)", errkind.KindOf(err), err)
	}
}
