package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"scopeflow/internal/errkind"
)

// PRIntent is the record that a completed session should result in exactly
// one pull request. PRCreated flips false to true exactly once and is
// never reset, which is the sole guard against redundant creation across
// repeated polls.
type PRIntent struct {
	SessionID    string
	IssueNumber  int
	Branch       string
	TargetBranch string
	PRCreated    bool
	PRURL        string
	LastError    string
	CreatedAt    time.Time
}

// CreateIntent records the intent at execute time. One per session.
func (s *Store) CreateIntent(ctx context.Context, sessionID string, issueNumber int, branch, targetBranch string) error {
	const q = `
INSERT INTO pr_intents(session_id, issue_number, branch, target_branch, created_at)
VALUES(?,?,?,?,?)`
	_, err := s.DB.ExecContext(ctx, q, sessionID, issueNumber, branch, targetBranch, nowRFC3339())
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "session already has a pull request intent")
		}
		return fmt.Errorf("create intent %s: %w", sessionID, err)
	}
	return nil
}

// GetIntent returns the intent for a session, or ok=false when execute has
// not recorded one yet.
func (s *Store) GetIntent(ctx context.Context, sessionID string) (PRIntent, bool, error) {
	const q = `
SELECT session_id, issue_number, branch, target_branch, pr_created,
       COALESCE(pr_url, ''), COALESCE(last_error, ''), created_at
FROM pr_intents WHERE session_id = ?`
	var in PRIntent
	var created int
	var createdAt string
	err := s.DB.QueryRowContext(ctx, q, sessionID).Scan(&in.SessionID, &in.IssueNumber,
		&in.Branch, &in.TargetBranch, &created, &in.PRURL, &in.LastError, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return PRIntent{}, false, nil
		}
		return PRIntent{}, false, fmt.Errorf("get intent %s: %w", sessionID, err)
	}
	in.PRCreated = created == 1
	in.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return in, true, nil
}

// MarkPRCreated flips pr_created and stores the resulting URL. The guard
// on pr_created = 0 makes the flip atomic under concurrent polls; the
// return value reports whether this call won.
func (s *Store) MarkPRCreated(ctx context.Context, sessionID, prURL string) (bool, error) {
	const q = `
UPDATE pr_intents SET pr_created = 1, pr_url = ?, last_error = ''
WHERE session_id = ? AND pr_created = 0`
	res, err := s.DB.ExecContext(ctx, q, prURL, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark pr created %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark pr created %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// DeleteIntent removes an unfulfilled intent, undoing execute's record
// when the agent was never notified. A fulfilled intent is never deleted.
func (s *Store) DeleteIntent(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM pr_intents WHERE session_id = ? AND pr_created = 0`
	_, err := s.DB.ExecContext(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("delete intent %s: %w", sessionID, err)
	}
	return nil
}

// RecordIntentError keeps the most recent creation failure for display.
// pr_created stays false so the next poll retries.
func (s *Store) RecordIntentError(ctx context.Context, sessionID, message string) error {
	const q = `UPDATE pr_intents SET last_error = ? WHERE session_id = ? AND pr_created = 0`
	_, err := s.DB.ExecContext(ctx, q, message, sessionID)
	if err != nil {
		return fmt.Errorf("record intent error %s: %w", sessionID, err)
	}
	return nil
}
