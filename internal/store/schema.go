package store

import "fmt"

const schemaSQL = `
CREATE TABLE repos (
    id            TEXT PRIMARY KEY,
    owner         TEXT NOT NULL,
    name          TEXT NOT NULL,
    url           TEXT NOT NULL,
    token         TEXT NOT NULL,
    last_page     INTEGER NOT NULL DEFAULT 0,
    has_more      INTEGER NOT NULL DEFAULT 0 CHECK(has_more IN (0,1)),
    fetched_count INTEGER NOT NULL DEFAULT 0,
    connected_at  TEXT NOT NULL,
    UNIQUE(owner, name)
);

CREATE TABLE issues (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id     TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
    issue_id    INTEGER NOT NULL,
    number      INTEGER NOT NULL,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    labels_json TEXT NOT NULL DEFAULT '[]',
    author      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'open',
    UNIQUE(repo_id, issue_id)
);

CREATE INDEX idx_issues_repo ON issues(repo_id, seq);

CREATE TABLE sessions (
    id            TEXT PRIMARY KEY,
    repo_id       TEXT NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
    issue_id      INTEGER NOT NULL,
    issue_number  INTEGER NOT NULL,
    phase         TEXT NOT NULL DEFAULT 'scoping'
        CHECK(phase IN ('scoping','blocked','executing','completed','cancelled','unknown')),
    agent_url     TEXT NOT NULL DEFAULT '',
    output_json   TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    last_accessed TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_sessions_one_active_per_issue
    ON sessions(repo_id, issue_id)
    WHERE phase NOT IN ('completed', 'cancelled');

CREATE TABLE pr_intents (
    session_id    TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    issue_number  INTEGER NOT NULL,
    branch        TEXT NOT NULL,
    target_branch TEXT NOT NULL,
    pr_created    INTEGER NOT NULL DEFAULT 0 CHECK(pr_created IN (0,1)),
    pr_url        TEXT NOT NULL DEFAULT '',
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);
`

func (s *Store) createSchema() error {
	if _, err := s.DB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.DB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
