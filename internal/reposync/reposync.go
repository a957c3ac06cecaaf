// Package reposync owns repository connections: credential validation,
// the first-page issue fetch at connect time, full resync, and explicit
// page-by-page growth of the issue cache. Each call fetches at most one
// page so latency stays bounded; callers ask for more pages explicitly.
package reposync

import (
	"context"
	"log/slog"
	"net/http"

	"scopeflow/internal/errkind"
	"scopeflow/internal/store"
	"scopeflow/internal/tracker"
)

// Manager coordinates the tracker client and the issue cache.
type Manager struct {
	store       *store.Store
	trackerBase string
	http        *http.Client
}

func New(st *store.Store, trackerBaseURL string, httpClient *http.Client) *Manager {
	return &Manager{store: st, trackerBase: trackerBaseURL, http: httpClient}
}

func (m *Manager) client(credential string) *tracker.Client {
	return tracker.NewClient(m.trackerBase, credential, m.http)
}

// Connect validates the URL and credential, requires push access (needed
// later for pull request creation), fetches the first page of open issues,
// and stores the repository with its pagination cursor. Nothing is stored
// when any step fails.
func (m *Manager) Connect(ctx context.Context, rawURL, credential string) (store.Repo, error) {
	owner, name, err := tracker.ParseRepoURL(rawURL)
	if err != nil {
		return store.Repo{}, err
	}

	tc := m.client(credential)
	meta, err := tc.GetRepository(ctx, owner, name)
	if err != nil {
		return store.Repo{}, err
	}
	if !meta.Permissions.Push {
		return store.Repo{}, errkind.New(errkind.Permission,
			"no push access to %s/%s; push access is required to open pull requests", owner, name)
	}

	issues, hasMore, err := tc.ListOpenIssues(ctx, owner, name, 1)
	if err != nil {
		return store.Repo{}, err
	}

	repo, err := m.store.CreateRepo(ctx, owner, name, meta.HTMLURL, credential)
	if err != nil {
		return store.Repo{}, err
	}
	if err := m.store.ReplaceIssues(ctx, repo.ID, toStoreIssues(issues)); err != nil {
		return store.Repo{}, err
	}
	if err := m.store.UpdateCursor(ctx, repo.ID, 1, hasMore, len(issues)); err != nil {
		return store.Repo{}, err
	}

	slog.Info("repo connected", "repo", repo.FullName(), "issues", len(issues), "has_more", hasMore)
	repo.LastPage = 1
	repo.HasMore = hasMore
	repo.FetchedCount = len(issues)
	return repo, nil
}

// Resync re-fetches the first page and fully replaces the cache, resetting
// the pagination cursor.
func (m *Manager) Resync(ctx context.Context, repoID string) (store.Repo, error) {
	repo, err := m.store.GetRepo(ctx, repoID)
	if err != nil {
		return store.Repo{}, err
	}

	issues, hasMore, err := m.client(repo.Token).ListOpenIssues(ctx, repo.Owner, repo.Name, 1)
	if err != nil {
		return store.Repo{}, err
	}
	if err := m.store.ReplaceIssues(ctx, repo.ID, toStoreIssues(issues)); err != nil {
		return store.Repo{}, err
	}
	if err := m.store.UpdateCursor(ctx, repo.ID, 1, hasMore, len(issues)); err != nil {
		return store.Repo{}, err
	}

	slog.Info("repo resynced", "repo", repo.FullName(), "issues", len(issues), "has_more", hasMore)
	repo.LastPage = 1
	repo.HasMore = hasMore
	repo.FetchedCount = len(issues)
	return repo, nil
}

// FetchMore appends exactly the next page to the cache. It is a failed
// precondition to call it once the cursor reports no further pages.
func (m *Manager) FetchMore(ctx context.Context, repoID string) (store.Repo, error) {
	repo, err := m.store.GetRepo(ctx, repoID)
	if err != nil {
		return store.Repo{}, err
	}
	if !repo.HasMore {
		return store.Repo{}, errkind.New(errkind.Conflict, "no more pages to fetch for %s", repo.FullName())
	}

	page := repo.LastPage + 1
	issues, hasMore, err := m.client(repo.Token).ListOpenIssues(ctx, repo.Owner, repo.Name, page)
	if err != nil {
		return store.Repo{}, err
	}
	added, err := m.store.AppendIssues(ctx, repo.ID, toStoreIssues(issues))
	if err != nil {
		return store.Repo{}, err
	}
	fetched := repo.FetchedCount + added
	if err := m.store.UpdateCursor(ctx, repo.ID, page, hasMore, fetched); err != nil {
		return store.Repo{}, err
	}

	slog.Info("repo page fetched", "repo", repo.FullName(), "page", page, "added", added, "has_more", hasMore)
	repo.LastPage = page
	repo.HasMore = hasMore
	repo.FetchedCount = fetched
	return repo, nil
}

// List returns every connected repository.
func (m *Manager) List(ctx context.Context) ([]store.Repo, error) {
	return m.store.ListRepos(ctx)
}

// Delete disconnects a repository; cached issues and sessions cascade away.
func (m *Manager) Delete(ctx context.Context, repoID string) error {
	if err := m.store.DeleteRepo(ctx, repoID); err != nil {
		return err
	}
	slog.Info("repo deleted", "repo_id", repoID)
	return nil
}

func toStoreIssues(issues []tracker.Issue) []store.Issue {
	out := make([]store.Issue, 0, len(issues))
	for _, it := range issues {
		out = append(out, store.Issue{
			ID:        it.ID,
			Number:    it.Number,
			Title:     it.Title,
			Body:      it.Body,
			Labels:    it.Labels,
			Author:    it.Author,
			CreatedAt: it.CreatedAt,
			Status:    it.Status,
		})
	}
	return out
}
