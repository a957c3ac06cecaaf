package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scopeflow/internal/errkind"
)

// Repo is a connected repository plus its pagination cursor. The token is
// held here for resync/load-more and PR creation; it must never appear in
// error text (see errkind.Scrub).
type Repo struct {
	ID           string
	Owner        string
	Name         string
	URL          string
	Token        string
	LastPage     int
	HasMore      bool
	FetchedCount int
	ConnectedAt  time.Time
}

// FullName returns the owner/name form used in logs and display.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

func (s *Store) CreateRepo(ctx context.Context, owner, name, url, token string) (Repo, error) {
	r := Repo{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		URL:         url,
		Token:       token,
		ConnectedAt: time.Now().UTC(),
	}
	const q = `INSERT INTO repos(id, owner, name, url, token, connected_at) VALUES(?,?,?,?,?,?)`
	_, err := s.DB.ExecContext(ctx, q, r.ID, r.Owner, r.Name, r.URL, r.Token,
		r.ConnectedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return Repo{}, errkind.New(errkind.Conflict, "repository %s is already connected", r.FullName())
		}
		return Repo{}, fmt.Errorf("create repo %s: %w", r.FullName(), err)
	}
	return r, nil
}

func (s *Store) GetRepo(ctx context.Context, repoID string) (Repo, error) {
	const q = `
SELECT id, owner, name, url, token, last_page, has_more, fetched_count, connected_at
FROM repos WHERE id = ?`
	return s.scanRepo(s.DB.QueryRowContext(ctx, q, repoID), repoID)
}

func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	const q = `
SELECT id, owner, name, url, token, last_page, has_more, fetched_count, connected_at
FROM repos ORDER BY connected_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var out []Repo
	for rows.Next() {
		r, err := s.scanRepoRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRepo removes a repository; its issues, sessions, and intents go
// with it via the cascade.
func (s *Store) DeleteRepo(ctx context.Context, repoID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("delete repo %s: %w", repoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "repository not found")
	}
	return nil
}

// UpdateCursor records the pagination position after a page fetch. The
// single-connection pool makes this a serialized read-modify-write.
func (s *Store) UpdateCursor(ctx context.Context, repoID string, lastPage int, hasMore bool, fetchedCount int) error {
	const q = `UPDATE repos SET last_page = ?, has_more = ?, fetched_count = ? WHERE id = ?`
	res, err := s.DB.ExecContext(ctx, q, lastPage, boolToInt(hasMore), fetchedCount, repoID)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", repoID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "repository not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRepo(row *sql.Row, repoID string) (Repo, error) {
	r, err := s.scanRepoRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Repo{}, errkind.New(errkind.NotFound, "repository not found")
		}
		return Repo{}, fmt.Errorf("get repo %s: %w", repoID, err)
	}
	return r, nil
}

func (s *Store) scanRepoRow(row rowScanner) (Repo, error) {
	var r Repo
	var hasMore int
	var connectedAt string
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.URL, &r.Token,
		&r.LastPage, &hasMore, &r.FetchedCount, &connectedAt)
	if err != nil {
		return Repo{}, err
	}
	r.HasMore = hasMore == 1
	r.ConnectedAt, _ = time.Parse(time.RFC3339, connectedAt)
	return r, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
