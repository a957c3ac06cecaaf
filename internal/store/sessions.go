package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"scopeflow/internal/errkind"
)

// Session phases. A session starts in PhaseScoping and is terminal at
// PhaseCompleted or PhaseCancelled; PhaseUnknown carries upstream statuses
// we do not recognize without breaking the caller.
const (
	PhaseScoping   = "scoping"
	PhaseBlocked   = "blocked"
	PhaseExecuting = "executing"
	PhaseCompleted = "completed"
	PhaseCancelled = "cancelled"
	PhaseUnknown   = "unknown"
)

// TerminalPhase reports whether a session in this phase is done for good.
func TerminalPhase(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseCancelled
}

type Session struct {
	ID           string
	RepoID       string
	IssueID      int64
	IssueNumber  int
	Phase        string
	AgentURL     string
	OutputJSON   string
	CreatedAt    time.Time
	LastAccessed time.Time
}

// ActiveSession is a non-terminal session joined with display metadata.
type ActiveSession struct {
	Session
	RepoFullName string
	IssueTitle   string
}

// CreateSession records a new scoping session. The partial unique index on
// (repo_id, issue_id) over non-terminal phases enforces at most one active
// session per issue, so a second scope attempt surfaces as a Conflict.
func (s *Store) CreateSession(ctx context.Context, id, repoID string, issueID int64, issueNumber int, agentURL string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:           id,
		RepoID:       repoID,
		IssueID:      issueID,
		IssueNumber:  issueNumber,
		Phase:        PhaseScoping,
		AgentURL:     agentURL,
		CreatedAt:    now,
		LastAccessed: now,
	}
	const q = `
INSERT INTO sessions(id, repo_id, issue_id, issue_number, phase, agent_url, output_json, created_at, last_accessed)
VALUES(?,?,?,?,?,?,'',?,?)`
	_, err := s.DB.ExecContext(ctx, q, sess.ID, sess.RepoID, sess.IssueID, sess.IssueNumber,
		sess.Phase, sess.AgentURL, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, errkind.New(errkind.Conflict, "issue #%d already has an active session", issueNumber)
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// ActiveSessionForIssue reports the non-terminal session for an issue, if
// any. Callers use it to fail fast before creating an upstream session;
// the unique index remains the authoritative guard.
func (s *Store) ActiveSessionForIssue(ctx context.Context, repoID string, issueID int64) (Session, bool, error) {
	const q = `
SELECT id FROM sessions
WHERE repo_id = ? AND issue_id = ? AND phase NOT IN (?, ?)`
	var id string
	err := s.DB.QueryRowContext(ctx, q, repoID, issueID, PhaseCompleted, PhaseCancelled).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("active session lookup: %w", err)
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT id, repo_id, issue_id, issue_number, phase, agent_url, COALESCE(output_json, ''), created_at, last_accessed
FROM sessions WHERE id = ?`
	var sess Session
	var createdAt, lastAccessed string
	err := s.DB.QueryRowContext(ctx, q, id).Scan(&sess.ID, &sess.RepoID, &sess.IssueID,
		&sess.IssueNumber, &sess.Phase, &sess.AgentURL, &sess.OutputJSON, &createdAt, &lastAccessed)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, errkind.New(errkind.NotFound, "session not found")
		}
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.LastAccessed, _ = time.Parse(time.RFC3339, lastAccessed)
	return sess, nil
}

// UpdateSession stores the observed phase and latest structured output and
// bumps last_accessed, keeping the TTL sweep off sessions still in use.
func (s *Store) UpdateSession(ctx context.Context, id, phase, outputJSON string) error {
	const q = `UPDATE sessions SET phase = ?, output_json = ?, last_accessed = ? WHERE id = ?`
	res, err := s.DB.ExecContext(ctx, q, phase, outputJSON, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "session not found")
	}
	return nil
}

// TransitionPhase moves id from one phase to another atomically. It fails
// with Conflict if the session is no longer in the expected phase, which
// keeps a racing poll and execute from both claiming the transition.
func (s *Store) TransitionPhase(ctx context.Context, id, from, to string) error {
	const q = `UPDATE sessions SET phase = ?, last_accessed = ? WHERE id = ? AND phase = ?`
	res, err := s.DB.ExecContext(ctx, q, to, nowRFC3339(), id, from)
	if err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return errkind.New(errkind.Conflict, "session is %s, expected %s", sess.Phase, from)
	}
	return nil
}

// CancelSession forces the phase to cancelled. Calling it on an already
// cancelled session is a no-op, not an error.
func (s *Store) CancelSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET phase = ?, last_accessed = ? WHERE id = ? AND phase != ?`
	res, err := s.DB.ExecContext(ctx, q, PhaseCancelled, nowRFC3339(), id, PhaseCancelled)
	if err != nil {
		return fmt.Errorf("cancel session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// TouchSession bumps last_accessed without changing anything else.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET last_accessed = ? WHERE id = ?`, nowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// ListActive returns every non-terminal session with its repository and
// issue context for display, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]ActiveSession, error) {
	const q = `
SELECT s.id, s.repo_id, s.issue_id, s.issue_number, s.phase, s.agent_url,
       COALESCE(s.output_json, ''), s.created_at, s.last_accessed,
       r.owner || '/' || r.name,
       COALESCE(i.title, '')
FROM sessions s
JOIN repos r ON r.id = s.repo_id
LEFT JOIN issues i ON i.repo_id = s.repo_id AND i.issue_id = s.issue_id
WHERE s.phase NOT IN (?, ?)
ORDER BY s.created_at ASC, s.id ASC`
	rows, err := s.DB.QueryContext(ctx, q, PhaseCompleted, PhaseCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []ActiveSession
	for rows.Next() {
		var a ActiveSession
		var createdAt, lastAccessed string
		err := rows.Scan(&a.ID, &a.RepoID, &a.IssueID, &a.IssueNumber, &a.Phase,
			&a.AgentURL, &a.OutputJSON, &createdAt, &lastAccessed,
			&a.RepoFullName, &a.IssueTitle)
		if err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.LastAccessed, _ = time.Parse(time.RFC3339, lastAccessed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CleanupExpired removes sessions whose last_accessed predates the cutoff
// and returns how many were removed. Intents go with them via the cascade.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_accessed < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(n), nil
}
