package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"scopeflow/internal/errkind"
)

// Issue is one cached tracker issue. ID is the tracker's issue id and is
// unique within a repository; seq records insertion order and breaks sort
// ties so pagination is stable.
type Issue struct {
	seq       int64
	ID        int64
	Number    int
	Title     string
	Body      string
	Labels    []string
	Author    string
	CreatedAt time.Time
	Status    string
}

// AgeDays is derived at read time so it never goes stale in the cache.
func (i Issue) AgeDays(now time.Time) int {
	d := now.Sub(i.CreatedAt)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// HasLabel reports exact membership in the label set.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ReplaceIssues drops every cached issue for the repository and stores the
// given ones in order. Used by resync, which resets to page one.
func (s *Store) ReplaceIssues(ctx context.Context, repoID string, issues []Issue) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace issues: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("replace issues: clear: %w", err)
	}
	for _, it := range issues {
		if err := insertIssue(ctx, tx, repoID, it); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace issues: commit: %w", err)
	}
	return nil
}

// AppendIssues adds a fetched page to the cache. Issues already present
// (same tracker id) are refreshed in place rather than duplicated, so
// fetching overlapping pages stays safe. Returns how many were new.
func (s *Store) AppendIssues(ctx context.Context, repoID string, issues []Issue) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append issues: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, it := range issues {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM issues WHERE repo_id = ? AND issue_id = ?`,
			repoID, it.ID).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("append issues: %w", err)
		}
		if exists > 0 {
			if err := updateIssue(ctx, tx, repoID, it); err != nil {
				return 0, err
			}
			continue
		}
		if err := insertIssue(ctx, tx, repoID, it); err != nil {
			return 0, err
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append issues: commit: %w", err)
	}
	return added, nil
}

// GetIssue looks up a cached issue by tracker id.
func (s *Store) GetIssue(ctx context.Context, repoID string, issueID int64) (Issue, error) {
	issues, err := s.loadIssues(ctx, repoID)
	if err != nil {
		return Issue{}, err
	}
	for _, it := range issues {
		if it.ID == issueID {
			return it, nil
		}
	}
	return Issue{}, errkind.New(errkind.NotFound, "issue not found")
}

// IssueQuery selects, orders, and pages the cached issues of one repository.
// SortField is one of created_at, age_days, title, number.
type IssueQuery struct {
	RepoID      string
	TitleFilter string
	LabelFilter string
	SortField   string
	Order       string
	Page        int
	PageSize    int
}

// IssuePage is one page of results plus the size of the whole filtered set.
type IssuePage struct {
	Issues []Issue
	Total  int
}

// QueryIssues runs the fixed filter, sort, paginate pipeline. Filtering and
// sorting happen in memory because age_days is derived from the current
// time; ordering ties are broken by insertion order.
func (s *Store) QueryIssues(ctx context.Context, q IssueQuery, now time.Time) (IssuePage, error) {
	if err := validateQuery(q); err != nil {
		return IssuePage{}, err
	}
	issues, err := s.loadIssues(ctx, q.RepoID)
	if err != nil {
		return IssuePage{}, err
	}

	filtered := issues[:0:0]
	needle := strings.ToLower(q.TitleFilter)
	for _, it := range issues {
		if needle != "" && !strings.Contains(strings.ToLower(it.Title), needle) {
			continue
		}
		if q.LabelFilter != "" && !it.HasLabel(q.LabelFilter) {
			continue
		}
		filtered = append(filtered, it)
	}

	desc := q.Order == "desc"
	sort.SliceStable(filtered, func(a, b int) bool {
		less, eq := compareIssues(filtered[a], filtered[b], q.SortField, now)
		if eq {
			return false
		}
		if desc {
			return !less
		}
		return less
	})

	total := len(filtered)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return IssuePage{Issues: []Issue{}, Total: total}, nil
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return IssuePage{Issues: filtered[start:end], Total: total}, nil
}

func validateQuery(q IssueQuery) error {
	switch q.SortField {
	case "created_at", "age_days", "title", "number":
	default:
		return errkind.New(errkind.Validation, "invalid sort field %q", q.SortField)
	}
	switch q.Order {
	case "asc", "desc":
	default:
		return errkind.New(errkind.Validation, "invalid sort order %q", q.Order)
	}
	if q.Page < 1 {
		return errkind.New(errkind.Validation, "page must be >= 1")
	}
	if q.PageSize < 1 {
		return errkind.New(errkind.Validation, "page size must be >= 1")
	}
	return nil
}

func compareIssues(a, b Issue, field string, now time.Time) (less, eq bool) {
	switch field {
	case "created_at":
		if a.CreatedAt.Equal(b.CreatedAt) {
			return false, true
		}
		return a.CreatedAt.Before(b.CreatedAt), false
	case "age_days":
		av, bv := a.AgeDays(now), b.AgeDays(now)
		return av < bv, av == bv
	case "title":
		return a.Title < b.Title, a.Title == b.Title
	default: // number
		return a.Number < b.Number, a.Number == b.Number
	}
}

func (s *Store) loadIssues(ctx context.Context, repoID string) ([]Issue, error) {
	const q = `
SELECT seq, issue_id, number, title, body, labels_json, author, created_at, status
FROM issues WHERE repo_id = ? ORDER BY seq ASC`
	rows, err := s.DB.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("load issues %s: %w", repoID, err)
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var it Issue
		var labelsJSON, createdAt string
		err := rows.Scan(&it.seq, &it.ID, &it.Number, &it.Title, &it.Body,
			&labelsJSON, &it.Author, &createdAt, &it.Status)
		if err != nil {
			return nil, fmt.Errorf("load issues %s: %w", repoID, err)
		}
		if labelsJSON != "" {
			if err := json.Unmarshal([]byte(labelsJSON), &it.Labels); err != nil {
				return nil, fmt.Errorf("load issues %s: labels: %w", repoID, err)
			}
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

type txLike interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertIssue(ctx context.Context, tx txLike, repoID string, it Issue) error {
	labels, err := json.Marshal(it.Labels)
	if err != nil {
		return fmt.Errorf("insert issue %d: labels: %w", it.ID, err)
	}
	const q = `
INSERT INTO issues(repo_id, issue_id, number, title, body, labels_json, author, created_at, status)
VALUES(?,?,?,?,?,?,?,?,?)`
	_, err = tx.ExecContext(ctx, q, repoID, it.ID, it.Number, it.Title, it.Body,
		string(labels), it.Author, it.CreatedAt.UTC().Format(time.RFC3339), it.Status)
	if err != nil {
		return fmt.Errorf("insert issue %d: %w", it.ID, err)
	}
	return nil
}

func updateIssue(ctx context.Context, tx txLike, repoID string, it Issue) error {
	labels, err := json.Marshal(it.Labels)
	if err != nil {
		return fmt.Errorf("update issue %d: labels: %w", it.ID, err)
	}
	const q = `
UPDATE issues SET number = ?, title = ?, body = ?, labels_json = ?, author = ?, created_at = ?, status = ?
WHERE repo_id = ? AND issue_id = ?`
	_, err = tx.ExecContext(ctx, q, it.Number, it.Title, it.Body, string(labels),
		it.Author, it.CreatedAt.UTC().Format(time.RFC3339), it.Status, repoID, it.ID)
	if err != nil {
		return fmt.Errorf("update issue %d: %w", it.ID, err)
	}
	return nil
}
