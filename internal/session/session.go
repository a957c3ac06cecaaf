// Package session drives the remediation workflow for one issue at a
// time: open a scoping session with the agent, poll it until the plan is
// ready, execute the approved plan, and hand completed work to the pull
// request trigger. All state lives in the store; the agent is observed
// purely by polling.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scopeflow/internal/agent"
	"scopeflow/internal/errkind"
	"scopeflow/internal/extract"
	"scopeflow/internal/store"
	"scopeflow/internal/tracker"
)

// DefaultTTL is how long an untouched session survives before the sweep
// removes it.
const DefaultTTL = 24 * time.Hour

// Orchestrator coordinates the store, the agent service, and the tracker.
type Orchestrator struct {
	store       *store.Store
	agent       *agent.Client
	trackerBase string
	http        *http.Client
	ttl         time.Duration
}

func New(st *store.Store, ag *agent.Client, trackerBaseURL string, httpClient *http.Client) *Orchestrator {
	return &Orchestrator{
		store:       st,
		agent:       ag,
		trackerBase: trackerBaseURL,
		http:        httpClient,
		ttl:         DefaultTTL,
	}
}

// SetTTL overrides the sweep horizon.
func (o *Orchestrator) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		o.ttl = ttl
	}
}

// ScopeRequest opens a planning session for one cached issue. Context and
// AttachedFiles are optional developer-supplied material folded into the
// prompt.
type ScopeRequest struct {
	RepoID        string
	IssueID       int64
	Context       string
	AttachedFiles []string
}

// Scope creates the agent session and records it locally in the scoping
// phase. At most one non-terminal session may exist per issue.
func (o *Orchestrator) Scope(ctx context.Context, req ScopeRequest) (store.Session, error) {
	repo, err := o.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return store.Session{}, err
	}
	issue, err := o.store.GetIssue(ctx, req.RepoID, req.IssueID)
	if err != nil {
		return store.Session{}, err
	}
	if active, ok, err := o.store.ActiveSessionForIssue(ctx, req.RepoID, req.IssueID); err != nil {
		return store.Session{}, err
	} else if ok {
		return store.Session{}, errkind.New(errkind.Conflict,
			"issue #%d already has an active session (%s)", issue.Number, active.ID)
	}

	created, err := o.agent.CreateSession(ctx, agent.CreateSessionRequest{
		Prompt:          planningPrompt(repo, issue, req.Context, req.AttachedFiles),
		Unlisted:        true,
		RequireApproval: true,
	})
	if err != nil {
		return store.Session{}, err
	}

	sess, err := o.store.CreateSession(ctx, created.ID, req.RepoID, req.IssueID, issue.Number, created.URL)
	if err != nil {
		// A concurrent scope won the race; the upstream session is
		// orphaned and will expire on its own.
		slog.Warn("scope lost creation race", "agent_session", created.ID, "issue", issue.Number, "err", err)
		return store.Session{}, err
	}
	slog.Info("session scoped", "session", sess.ID, "repo", repo.FullName(), "issue", issue.Number)
	return sess, nil
}

func planningPrompt(repo store.Repo, issue store.Issue, extra string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scope a fix for the following issue in %s (%s).\n\n", repo.FullName(), repo.URL)
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n", issue.Number, issue.Title, issue.Body)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if extra != "" {
		fmt.Fprintf(&b, "\nAdditional context from the developer:\n%s\n", extra)
	}
	if len(files) > 0 {
		fmt.Fprintf(&b, "\nRelevant files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nProduce an implementation plan and report progress as a fenced JSON block with progress_pct, status, summary, risks, dependencies, action_plan, and branch_suggestion. Report status \"blocked\" with progress 100 when the plan is ready for approval. Do not modify code until the plan is approved.")
	return b.String()
}

// PollResult is the refreshed view of a session after one poll.
type PollResult struct {
	Session store.Session
	Output  *extract.Output
}

// Poll fetches the latest upstream status and structured output, updates
// the local record, and evaluates the pull request trigger. A cancelled
// session is returned as-is: cancellation is local and final.
func (o *Orchestrator) Poll(ctx context.Context, sessionID string) (PollResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return PollResult{}, err
	}
	if sess.Phase == store.PhaseCancelled {
		return PollResult{Session: sess, Output: storedOutput(sess)}, nil
	}

	state, err := o.agent.GetSession(ctx, sess.ID)
	if err != nil {
		return PollResult{}, err
	}

	phase := phaseFromStatus(state.Status, sess.Phase)

	out, ok := extract.FromJSON(state.StructuredOutput)
	if !ok {
		out, ok = extract.FromTranscript(state.Transcript())
	}
	if ok && (out.Status == store.PhaseCompleted || out.Status == store.PhaseBlocked) {
		// The agent may report readiness in the record before the
		// service-level status catches up.
		phase = phaseUpgrade(phase, out.Status)
	}
	if !ok && (phase == store.PhaseBlocked || phase == store.PhaseCompleted) {
		out = placeholderOutput(phase)
		ok = true
	}
	if phase == store.PhaseCompleted && out.PRURL == "" {
		// The agent's record never carries the pull request URL; once the
		// intent is fulfilled, keep the recorded URL in the stored output.
		if intent, found, iErr := o.store.GetIntent(ctx, sess.ID); iErr == nil && found && intent.PRCreated {
			if !ok {
				out = placeholderOutput(phase)
				ok = true
			}
			out.PRURL = intent.PRURL
		}
	}

	outputJSON := sess.OutputJSON
	if ok {
		raw, err := json.Marshal(out)
		if err != nil {
			return PollResult{}, errkind.Wrap(errkind.Internal, err, "encode session output")
		}
		outputJSON = string(raw)
	}
	if err := o.store.UpdateSession(ctx, sess.ID, phase, outputJSON); err != nil {
		return PollResult{}, err
	}
	sess.Phase = phase
	sess.OutputJSON = outputJSON

	if phase == store.PhaseCompleted {
		if url := o.triggerPullRequest(ctx, sess); url != "" {
			if ok {
				out.PRURL = url
			} else {
				out = placeholderOutput(phase)
				out.PRURL = url
				ok = true
			}
			raw, mErr := json.Marshal(out)
			if mErr == nil {
				sess.OutputJSON = string(raw)
				if err := o.store.UpdateSession(ctx, sess.ID, phase, sess.OutputJSON); err != nil {
					slog.Error("record pr url", "session", sess.ID, "err", err)
				}
			}
		}
	}

	if !ok {
		return PollResult{Session: sess}, nil
	}
	return PollResult{Session: sess, Output: &out}, nil
}

// phaseFromStatus maps the agent service's status vocabulary onto the
// local phases. The mapping only moves forward: completed is terminal, an
// executing session ignores a stale "blocked" report, and in-flight
// statuses keep the current phase. Anything unrecognized on a live
// session passes through as unknown rather than failing the poll.
func phaseFromStatus(status, current string) string {
	if current == store.PhaseCompleted {
		return current
	}
	switch strings.ToLower(status) {
	case "blocked":
		if current == store.PhaseExecuting {
			return current
		}
		return store.PhaseBlocked
	case "completed", "finished":
		return store.PhaseCompleted
	case "running", "working", "in_progress":
		return current
	default:
		return store.PhaseUnknown
	}
}

// phaseUpgrade lets an embedded record promote the phase forward. It
// never regresses completed, and a "blocked" record cannot pull an
// executing session backwards.
func phaseUpgrade(phase, reported string) string {
	if phase == store.PhaseCompleted {
		return phase
	}
	if phase == store.PhaseExecuting && reported == store.PhaseBlocked {
		return phase
	}
	return reported
}

func placeholderOutput(phase string) extract.Output {
	out := extract.Output{ProgressPct: 100, Status: phase}
	if phase == store.PhaseBlocked {
		out.Summary = "Plan ready for review."
	} else {
		out.Summary = "Implementation finished."
	}
	return out
}

func storedOutput(sess store.Session) *extract.Output {
	out, ok := extract.FromJSON([]byte(sess.OutputJSON))
	if !ok {
		return nil
	}
	return &out
}

// triggerPullRequest opens the pull request for a completed session with
// an unfulfilled intent. Failures are recorded and logged, never
// propagated: the next poll retries, guarded by the pr_created flag.
func (o *Orchestrator) triggerPullRequest(ctx context.Context, sess store.Session) string {
	intent, ok, err := o.store.GetIntent(ctx, sess.ID)
	if err != nil {
		slog.Error("pr trigger: load intent", "session", sess.ID, "err", err)
		return ""
	}
	if !ok || intent.PRCreated {
		return ""
	}

	repo, err := o.store.GetRepo(ctx, sess.RepoID)
	if err != nil {
		slog.Error("pr trigger: load repo", "session", sess.ID, "err", err)
		return ""
	}
	issue, err := o.store.GetIssue(ctx, sess.RepoID, sess.IssueID)
	if err != nil {
		slog.Error("pr trigger: load issue", "session", sess.ID, "err", err)
		return ""
	}

	body := prBody(sess, issue, intent.IssueNumber)
	tc := tracker.NewClient(o.trackerBase, repo.Token, o.http)
	url, err := tc.CreatePullRequest(ctx, repo.Owner, repo.Name, tracker.NewPullRequest{
		Title: issue.Title,
		Body:  body,
		Head:  intent.Branch,
		Base:  intent.TargetBranch,
	})
	if err != nil {
		slog.Error("pr trigger: create failed", "session", sess.ID, "issue", intent.IssueNumber, "err", err)
		if rErr := o.store.RecordIntentError(ctx, sess.ID, err.Error()); rErr != nil {
			slog.Error("pr trigger: record failure", "session", sess.ID, "err", rErr)
		}
		return ""
	}

	won, err := o.store.MarkPRCreated(ctx, sess.ID, url)
	if err != nil {
		slog.Error("pr trigger: mark created", "session", sess.ID, "err", err)
		return url
	}
	if !won {
		// A concurrent poll created it first; keep that one.
		return ""
	}
	slog.Info("pull request created", "session", sess.ID, "issue", intent.IssueNumber, "url", url)
	return url
}

// prBody builds the pull request description, always ending with the
// closing directive so the tracker auto-closes the issue on merge.
func prBody(sess store.Session, issue store.Issue, issueNumber int) string {
	var b strings.Builder
	if out, ok := extract.FromJSON([]byte(sess.OutputJSON)); ok && out.Summary != "" {
		b.WriteString(out.Summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Closes #%d", issueNumber)
	return b.String()
}

// Execute approves the plan and moves the session into implementation.
// It requires an explicit approval flag, transitions blocked to executing,
// records the pull request intent, and tells the agent to proceed.
func (o *Orchestrator) Execute(ctx context.Context, sessionID, branch, targetBranch string, approved bool) (store.Session, error) {
	if !approved {
		return store.Session{}, errkind.New(errkind.Conflict, "plan must be approved before execution")
	}
	if branch == "" {
		return store.Session{}, errkind.New(errkind.Validation, "branch name is required")
	}
	if targetBranch == "" {
		targetBranch = "main"
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if err := o.store.TransitionPhase(ctx, sess.ID, store.PhaseBlocked, store.PhaseExecuting); err != nil {
		return store.Session{}, err
	}
	if err := o.store.CreateIntent(ctx, sess.ID, sess.IssueNumber, branch, targetBranch); err != nil {
		return store.Session{}, err
	}

	msg := fmt.Sprintf("The plan is approved. Implement it on branch %q targeting %q. "+
		"Push the branch when done and report status \"completed\" with progress 100.", branch, targetBranch)
	if err := o.agent.SendMessage(ctx, sess.ID, msg); err != nil {
		// The agent was never told to proceed: undo the transition and
		// the intent so a retry starts clean.
		if dErr := o.store.DeleteIntent(ctx, sess.ID); dErr != nil {
			slog.Error("execute rollback: delete intent", "session", sess.ID, "err", dErr)
		}
		if tErr := o.store.TransitionPhase(ctx, sess.ID, store.PhaseExecuting, store.PhaseBlocked); tErr != nil {
			slog.Error("execute rollback: restore phase", "session", sess.ID, "err", tErr)
		}
		return store.Session{}, err
	}

	slog.Info("session executing", "session", sess.ID, "branch", branch, "target", targetBranch)
	sess.Phase = store.PhaseExecuting
	return sess, nil
}

// SendFollowup appends guidance to a running session. The phase only
// changes on a later poll.
func (o *Orchestrator) SendFollowup(ctx context.Context, sessionID, message string) error {
	if strings.TrimSpace(message) == "" {
		return errkind.New(errkind.Validation, "message must not be empty")
	}
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if store.TerminalPhase(sess.Phase) {
		return errkind.New(errkind.Conflict, "session is %s", sess.Phase)
	}
	if err := o.agent.SendMessage(ctx, sess.ID, message); err != nil {
		return err
	}
	return o.store.TouchSession(ctx, sess.ID)
}

// Cancel moves the session to cancelled. It is local-only and idempotent;
// an in-flight upstream call is not aborted.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	if err := o.store.CancelSession(ctx, sessionID); err != nil {
		return err
	}
	slog.Info("session cancelled", "session", sessionID)
	return nil
}

// Get returns the locally stored view of a session.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (store.Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// ListActive returns every non-terminal session with display metadata.
func (o *Orchestrator) ListActive(ctx context.Context) ([]store.ActiveSession, error) {
	return o.store.ListActive(ctx)
}

// CleanupExpired removes sessions idle past the TTL. It runs at process
// start and on the sweep schedule.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int, error) {
	n, err := o.store.CleanupExpired(ctx, time.Now().Add(-o.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("expired sessions removed", "count", n)
	}
	return n, nil
}
