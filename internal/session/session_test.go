package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scopeflow/internal/agent"
	"scopeflow/internal/errkind"
	"scopeflow/internal/store"
	"scopeflow/internal/tracker"
)

// fakeAgent is a programmable agent service.
type fakeAgent struct {
	mu       sync.Mutex
	status   string
	output   string // raw JSON or "" for null
	failSend bool
	messages []string
	prompts  []string
	sent     []string
}

func (f *fakeAgent) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req agent.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create: %v", err)
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, req.Prompt)
		n := len(f.prompts)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"session_id":"sess-%d","url":"https://agent.example/sessions/sess-%d"}`, n, n)
	})
	mux.HandleFunc("GET /v1/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := f.output
		if out == "" {
			out = "null"
		}
		msgs := make([]map[string]string, 0, len(f.messages))
		for _, m := range f.messages {
			msgs = append(msgs, map[string]string{"type": "agent", "message": m})
		}
		resp := map[string]any{"status": f.status, "messages": msgs}
		buf, _ := json.Marshal(resp)
		// Splice the raw output in so invalid JSON stays impossible.
		var m map[string]any
		json.Unmarshal(buf, &m)
		m["structured_output"] = json.RawMessage(out)
		json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("POST /v1/session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failSend {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"message queue unavailable"}`)
			return
		}
		f.sent = append(f.sent, payload.Message)
	})
	return mux
}

func (f *fakeAgent) set(status, output string) {
	f.mu.Lock()
	f.status = status
	f.output = output
	f.mu.Unlock()
}

func (f *fakeAgent) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeAgent) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeTracker counts PR creations and can be told to fail.
type fakeTracker struct {
	mu      sync.Mutex
	fail    bool
	created []tracker.NewPullRequest
}

func (f *fakeTracker) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/pulls") && r.Method == http.MethodPost:
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.fail {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, `{"message":"upstream flake"}`)
				return
			}
			var pr tracker.NewPullRequest
			if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
				t.Errorf("decode pr: %v", err)
			}
			f.created = append(f.created, pr)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"html_url":"https://github.com/octocat/hello-world/pull/%d"}`, len(f.created))
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeTracker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTracker) first() tracker.NewPullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[0]
}

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	agent   *fakeAgent
	tracker *fakeTracker
	repo    store.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fa := &fakeAgent{status: "running"}
	agentSrv := httptest.NewServer(fa.handler(t))
	t.Cleanup(agentSrv.Close)

	ft := &fakeTracker{}
	trackerSrv := httptest.NewServer(ft.handler(t))
	t.Cleanup(trackerSrv.Close)

	ctx := context.Background()
	repo, err := st.CreateRepo(ctx, "octocat", "hello-world", "https://github.com/octocat/hello-world", "ghp_tok")
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	err = st.ReplaceIssues(ctx, repo.ID, []store.Issue{
		{ID: 701, Number: 7, Title: "Crash on login", Body: "Stack trace attached", Labels: []string{"bug"}, Author: "ana", CreatedAt: time.Now().Add(-72 * time.Hour), Status: "open"},
	})
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}

	ac := agent.NewClient(agentSrv.URL, "agent-key", agentSrv.Client())
	return &fixture{
		orch:    New(st, ac, trackerSrv.URL, trackerSrv.Client()),
		store:   st,
		agent:   fa,
		tracker: ft,
		repo:    repo,
	}
}

func (f *fixture) scope(t *testing.T) store.Session {
	t.Helper()
	sess, err := f.orch.Scope(context.Background(), ScopeRequest{RepoID: f.repo.ID, IssueID: 701})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	return sess
}

func TestScopeCreatesSessionWithPlanningPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess, err := f.orch.Scope(context.Background(), ScopeRequest{
		RepoID:        f.repo.ID,
		IssueID:       701,
		Context:       "Only reproduce on staging first.",
		AttachedFiles: []string{"auth/login.go"},
	})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if sess.Phase != store.PhaseScoping || sess.IssueNumber != 7 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	prompt := f.agent.lastPrompt()
	for _, want := range []string{"Crash on login", "Issue #7", "octocat/hello-world", "staging", "auth/login.go"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestScopeSecondActiveSessionConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scope(t)
	_, err := f.orch.Scope(context.Background(), ScopeRequest{RepoID: f.repo.ID, IssueID: 701})
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestScopeUnknownIssueIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.orch.Scope(context.Background(), ScopeRequest{RepoID: f.repo.ID, IssueID: 999})
	if !errkind.IsKind(err, errkind.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPollParsesStructuredOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	f.agent.set("blocked", `{"progress_pct": 100, "status": "blocked", "summary": "Plan ready", "branch_suggestion": "fix/login-crash"}`)
	res, err := f.orch.Poll(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseBlocked {
		t.Fatalf("expected blocked, got %s", res.Session.Phase)
	}
	if res.Output == nil || res.Output.BranchSuggestion != "fix/login-crash" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}

func TestPollFallsBackToTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	f.agent.set("running", "")
	f.agent.mu.Lock()
	f.agent.messages = []string{
		"Working through the issue.",
		"Here is where I am:\n```json\n{\"progress_pct\": 60, \"status\": \"working\", \"summary\": \"Halfway\"}\n```",
	}
	f.agent.mu.Unlock()

	res, err := f.orch.Poll(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseScoping {
		t.Fatalf("in-flight status should keep current phase, got %s", res.Session.Phase)
	}
	if res.Output == nil || res.Output.Summary != "Halfway" {
		t.Fatalf("transcript record not used: %+v", res.Output)
	}
}

func TestPollSynthesizesPlaceholderWhenBlockedWithoutOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	f.agent.set("blocked", "")
	res, err := f.orch.Poll(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Output == nil {
		t.Fatalf("expected placeholder output for blocked session")
	}
	if res.Output.ProgressPct != 100 || res.Output.Status != store.PhaseBlocked {
		t.Fatalf("unexpected placeholder: %+v", res.Output)
	}
}

func TestPollUnknownStatusPassesThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	f.agent.set("hibernating", "")
	res, err := f.orch.Poll(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseUnknown {
		t.Fatalf("expected unknown, got %s", res.Session.Phase)
	}
}

func TestPollCancelledSessionSkipsUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	if err := f.orch.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.agent.set("completed", "")
	res, err := f.orch.Poll(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseCancelled {
		t.Fatalf("cancellation must be final, got %s", res.Session.Phase)
	}
}

func TestExecuteRequiresApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()

	_, err := f.orch.Execute(ctx, sess.ID, "fix/login-crash", "main", false)
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Phase != store.PhaseScoping {
		t.Fatalf("unapproved execute must not change phase, got %s", got.Phase)
	}
	if _, ok, _ := f.store.GetIntent(ctx, sess.ID); ok {
		t.Fatalf("unapproved execute must not record an intent")
	}
}

func TestExecuteTransitionsBlockedToExecuting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()

	f.agent.set("blocked", "")
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := f.orch.Execute(ctx, sess.ID, "fix/login-crash", "main", true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Phase != store.PhaseExecuting {
		t.Fatalf("expected executing, got %s", got.Phase)
	}
	intent, ok, err := f.store.GetIntent(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("intent not recorded: ok=%v err=%v", ok, err)
	}
	if intent.Branch != "fix/login-crash" || intent.TargetBranch != "main" || intent.PRCreated {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if sent := f.agent.sentMessages(); len(sent) != 1 || !strings.Contains(sent[0], "approved") {
		t.Fatalf("approval message not sent: %v", sent)
	}
}

func TestExecuteFromWrongPhaseConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	_, err := f.orch.Execute(context.Background(), sess.ID, "fix/x", "main", true)
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("expected conflict from scoping phase, got %v", err)
	}
}

func TestExecuteRollsBackWhenNotifyFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()

	f.agent.set("blocked", "")
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("poll to blocked: %v", err)
	}

	f.agent.mu.Lock()
	f.agent.failSend = true
	f.agent.mu.Unlock()

	if _, err := f.orch.Execute(ctx, sess.ID, "fix/login-crash", "main", true); err == nil {
		t.Fatalf("execute must fail when the agent cannot be notified")
	}
	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Phase != store.PhaseBlocked {
		t.Fatalf("failed execute must restore blocked, got %s", got.Phase)
	}
	if _, ok, _ := f.store.GetIntent(ctx, sess.ID); ok {
		t.Fatalf("failed execute must not leave an intent behind")
	}

	f.agent.mu.Lock()
	f.agent.failSend = false
	f.agent.mu.Unlock()

	retried, err := f.orch.Execute(ctx, sess.ID, "fix/login-crash", "main", true)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if retried.Phase != store.PhaseExecuting {
		t.Fatalf("expected executing after retry, got %s", retried.Phase)
	}
	if sent := f.agent.sentMessages(); len(sent) != 1 || !strings.Contains(sent[0], "approved") {
		t.Fatalf("approval message not sent on retry: %v", sent)
	}
}

func executeBlocked(t *testing.T, f *fixture, sess store.Session) {
	t.Helper()
	ctx := context.Background()
	f.agent.set("blocked", "")
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("poll to blocked: %v", err)
	}
	if _, err := f.orch.Execute(ctx, sess.ID, "fix/login-crash", "main", true); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestRepeatedPollsCreateExactlyOnePullRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()
	executeBlocked(t, f, sess)

	f.agent.set("completed", `{"progress_pct": 100, "status": "completed", "summary": "Fixed the nil session handling."}`)
	for i := 0; i < 5; i++ {
		res, err := f.orch.Poll(ctx, sess.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if res.Session.Phase != store.PhaseCompleted {
			t.Fatalf("poll %d: expected completed, got %s", i, res.Session.Phase)
		}
	}
	if n := f.tracker.count(); n != 1 {
		t.Fatalf("expected exactly one pull request, got %d", n)
	}
	pr := f.tracker.first()
	if !strings.HasSuffix(pr.Body, "Closes #7") {
		t.Fatalf("body must end with the closing directive: %q", pr.Body)
	}
	if pr.Head != "fix/login-crash" || pr.Base != "main" {
		t.Fatalf("unexpected pr: %+v", pr)
	}

	intent, ok, err := f.store.GetIntent(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("get intent: ok=%v err=%v", ok, err)
	}
	if !intent.PRCreated || intent.PRURL == "" {
		t.Fatalf("intent not fulfilled: %+v", intent)
	}

	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !strings.Contains(got.OutputJSON, intent.PRURL) {
		t.Fatalf("pr url not written into stored output: %s", got.OutputJSON)
	}
}

func TestPollDoesNotRegressExecutingToBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()
	executeBlocked(t, f, sess)

	// Upstream status lags behind the approval.
	f.agent.set("blocked", "")
	res, err := f.orch.Poll(ctx, sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseExecuting {
		t.Fatalf("stale blocked status must not regress executing, got %s", res.Session.Phase)
	}

	// Same for a stale record embedded in the transcript.
	f.agent.set("running", `{"progress_pct": 100, "status": "blocked", "summary": "Plan ready"}`)
	res, err = f.orch.Poll(ctx, sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseExecuting {
		t.Fatalf("stale blocked record must not regress executing, got %s", res.Session.Phase)
	}
}

func TestPollKeepsCompletedTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()
	executeBlocked(t, f, sess)

	f.agent.set("completed", `{"progress_pct": 100, "status": "completed", "summary": "Done."}`)
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// The upstream session expired out of the known vocabulary.
	f.agent.set("expired", "")
	res, err := f.orch.Poll(ctx, sess.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Phase != store.PhaseCompleted {
		t.Fatalf("completed is terminal, got %s", res.Session.Phase)
	}

	active, err := f.orch.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("completed session must not resurface as active: %+v", active)
	}

	intent, _, _ := f.store.GetIntent(ctx, sess.ID)
	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if intent.PRURL == "" || !strings.Contains(got.OutputJSON, intent.PRURL) {
		t.Fatalf("pr url lost after status vocabulary change: %s", got.OutputJSON)
	}
}

func TestPullRequestFailureIsIsolatedAndRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()
	executeBlocked(t, f, sess)

	f.tracker.mu.Lock()
	f.tracker.fail = true
	f.tracker.mu.Unlock()

	f.agent.set("completed", `{"progress_pct": 100, "status": "completed", "summary": "Done."}`)
	res, err := f.orch.Poll(ctx, sess.ID)
	if err != nil {
		t.Fatalf("poll must not fail on pr creation failure: %v", err)
	}
	if res.Session.Phase != store.PhaseCompleted {
		t.Fatalf("expected completed, got %s", res.Session.Phase)
	}
	intent, _, err := f.store.GetIntent(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.PRCreated || intent.LastError == "" {
		t.Fatalf("failure not recorded: %+v", intent)
	}

	f.tracker.mu.Lock()
	f.tracker.fail = false
	f.tracker.mu.Unlock()

	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if n := f.tracker.count(); n != 1 {
		t.Fatalf("expected one pull request after retry, got %d", n)
	}
	intent, _, _ = f.store.GetIntent(ctx, sess.ID)
	if !intent.PRCreated || intent.LastError != "" {
		t.Fatalf("retry did not fulfil the intent: %+v", intent)
	}
}

func TestTriggerRetriesAfterStatusVocabularyChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()
	executeBlocked(t, f, sess)

	f.tracker.mu.Lock()
	f.tracker.fail = true
	f.tracker.mu.Unlock()

	f.agent.set("completed", `{"progress_pct": 100, "status": "completed", "summary": "Done."}`)
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := f.tracker.count(); n != 0 {
		t.Fatalf("expected no pull request yet, got %d", n)
	}

	f.tracker.mu.Lock()
	f.tracker.fail = false
	f.tracker.mu.Unlock()

	// The retry still fires even when upstream drops out of the known
	// status vocabulary after completion.
	f.agent.set("expired", "")
	if _, err := f.orch.Poll(ctx, sess.ID); err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if n := f.tracker.count(); n != 1 {
		t.Fatalf("expected one pull request after retry, got %d", n)
	}
	intent, _, _ := f.store.GetIntent(ctx, sess.ID)
	if !intent.PRCreated || intent.PRURL == "" {
		t.Fatalf("retry did not fulfil the intent: %+v", intent)
	}
}

func TestCompletedWithoutIntentCreatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)

	f.agent.set("completed", `{"progress_pct": 100, "status": "completed", "summary": "Done upstream only."}`)
	if _, err := f.orch.Poll(context.Background(), sess.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := f.tracker.count(); n != 0 {
		t.Fatalf("no intent means no pull request, got %d", n)
	}
}

func TestSendFollowupTerminalSessionConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()

	if err := f.orch.SendFollowup(ctx, sess.ID, "narrow the scope"); err != nil {
		t.Fatalf("followup: %v", err)
	}
	if err := f.orch.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err := f.orch.SendFollowup(ctx, sess.ID, "too late")
	if !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCleanupExpiredUsesTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.scope(t)
	ctx := context.Background()

	old := time.Now().Add(-25 * time.Hour).UTC().Format(time.RFC3339)
	if _, err := f.store.DB.ExecContext(ctx, `UPDATE sessions SET last_accessed = ? WHERE id = ?`, old, sess.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	n, err := f.orch.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
}
