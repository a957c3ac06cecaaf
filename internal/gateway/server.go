// Package gateway is the daemon's HTTP API. All state lives in the
// daemon's memory, so the CLI and TUI talk to these routes instead of
// opening the store themselves.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scopeflow/internal/errkind"
	"scopeflow/internal/extract"
	"scopeflow/internal/reposync"
	"scopeflow/internal/session"
	"scopeflow/internal/store"
)

const maxBodySize = 1 << 20 // 1MB

// Server routes API requests to the sync manager and the orchestrator.
type Server struct {
	store     *store.Store
	repos     *reposync.Manager
	sessions  *session.Orchestrator
	mux       *http.ServeMux
	startedAt time.Time
}

func NewServer(st *store.Store, repos *reposync.Manager, sessions *session.Orchestrator) *Server {
	s := &Server{
		store:     st,
		repos:     repos,
		sessions:  sessions,
		startedAt: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/repos/connect", s.handleConnect)
	mux.HandleFunc("GET /api/repos", s.handleListRepos)
	mux.HandleFunc("DELETE /api/repos/{id}", s.handleDeleteRepo)
	mux.HandleFunc("POST /api/repos/{id}/resync", s.handleResync)
	mux.HandleFunc("POST /api/repos/{id}/more", s.handleFetchMore)
	mux.HandleFunc("GET /api/repos/{id}/issues", s.handleQueryIssues)
	mux.HandleFunc("POST /api/repos/{id}/issues/{issue}/scope", s.handleScope)

	mux.HandleFunc("GET /api/sessions", s.handleListActive)
	mux.HandleFunc("GET /api/sessions/{id}", s.handlePoll)
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ListActive(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "running",
		"uptime_seconds":  max(int(time.Since(s.startedAt).Seconds()), 0),
		"active_sessions": len(active),
	})
}

// RepoView is a connected repository as returned by the API. The stored
// credential is never serialized.
type RepoView struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	LastPage     int       `json:"last_page"`
	HasMore      bool      `json:"has_more"`
	FetchedCount int       `json:"fetched_count"`
	ConnectedAt  time.Time `json:"connected_at"`
}

func toRepoView(r store.Repo) RepoView {
	return RepoView{
		ID:           r.ID,
		Owner:        r.Owner,
		Name:         r.Name,
		URL:          r.URL,
		LastPage:     r.LastPage,
		HasMore:      r.HasMore,
		FetchedCount: r.FetchedCount,
		ConnectedAt:  r.ConnectedAt,
	}
}

// ConnectRequest is the connect payload.
type ConnectRequest struct {
	RepoURL    string `json:"repo_url"`
	Credential string `json:"credential"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Credential == "" {
		writeErr(w, errkind.New(errkind.Validation, "credential is required"))
		return
	}
	repo, err := s.repos.Connect(r.Context(), req.RepoURL, req.Credential)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepoView(repo))
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.repos.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]RepoView, 0, len(repos))
	for _, re := range repos {
		views = append(views, toRepoView(re))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.repos.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "repository deleted"})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repos.Resync(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepoView(repo))
}

func (s *Server) handleFetchMore(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repos.FetchMore(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepoView(repo))
}

// IssueView is one cached issue with its age computed at read time.
type IssueView struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	AgeDays   int       `json:"age_days"`
	Status    string    `json:"status"`
}

// IssuePageView is one query page plus the filtered-set size.
type IssuePageView struct {
	Issues []IssueView `json:"issues"`
	Total  int         `json:"total"`
}

func (s *Server) handleQueryIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.IssueQuery{
		RepoID:      r.PathValue("id"),
		TitleFilter: q.Get("q"),
		LabelFilter: q.Get("label"),
		SortField:   q.Get("sort"),
		Order:       q.Get("order"),
		Page:        1,
		PageSize:    20,
	}
	if query.SortField == "" {
		query.SortField = "created_at"
	}
	if query.Order == "" {
		query.Order = "desc"
	}
	var err error
	if v := q.Get("page"); v != "" {
		if query.Page, err = strconv.Atoi(v); err != nil {
			writeErr(w, errkind.New(errkind.Validation, "invalid page %q", v))
			return
		}
	}
	if v := q.Get("page_size"); v != "" {
		if query.PageSize, err = strconv.Atoi(v); err != nil {
			writeErr(w, errkind.New(errkind.Validation, "invalid page_size %q", v))
			return
		}
	}

	// 404 for unknown repos; an empty cache is a valid empty result.
	if _, err := s.store.GetRepo(r.Context(), query.RepoID); err != nil {
		writeErr(w, err)
		return
	}

	now := time.Now()
	page, err := s.store.QueryIssues(r.Context(), query, now)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]IssueView, 0, len(page.Issues))
	for _, it := range page.Issues {
		labels := it.Labels
		if labels == nil {
			labels = []string{}
		}
		views = append(views, IssueView{
			ID:        it.ID,
			Number:    it.Number,
			Title:     it.Title,
			Body:      it.Body,
			Labels:    labels,
			Author:    it.Author,
			CreatedAt: it.CreatedAt,
			AgeDays:   it.AgeDays(now),
			Status:    it.Status,
		})
	}
	writeJSON(w, http.StatusOK, IssuePageView{Issues: views, Total: page.Total})
}

// SessionView is the API shape of a session, with the latest structured
// output embedded when present.
type SessionView struct {
	ID           string          `json:"id"`
	RepoID       string          `json:"repo_id"`
	IssueID      int64           `json:"issue_id"`
	IssueNumber  int             `json:"issue_number"`
	Phase        string          `json:"phase"`
	AgentURL     string          `json:"agent_url"`
	Output       *extract.Output `json:"structured_output"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

func toSessionView(sess store.Session, out *extract.Output) SessionView {
	if out == nil {
		if parsed, ok := extract.FromJSON([]byte(sess.OutputJSON)); ok {
			out = &parsed
		}
	}
	return SessionView{
		ID:           sess.ID,
		RepoID:       sess.RepoID,
		IssueID:      sess.IssueID,
		IssueNumber:  sess.IssueNumber,
		Phase:        sess.Phase,
		AgentURL:     sess.AgentURL,
		Output:       out,
		CreatedAt:    sess.CreatedAt,
		LastAccessed: sess.LastAccessed,
	}
}

// ScopeAPIRequest starts a scoping session for an issue.
type ScopeAPIRequest struct {
	Context       string   `json:"context"`
	AttachedFiles []string `json:"attached_files"`
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	issueID, err := strconv.ParseInt(r.PathValue("issue"), 10, 64)
	if err != nil {
		writeErr(w, errkind.New(errkind.Validation, "invalid issue id %q", r.PathValue("issue")))
		return
	}
	var req ScopeAPIRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Scope(r.Context(), session.ScopeRequest{
		RepoID:        r.PathValue("id"),
		IssueID:       issueID,
		Context:       req.Context,
		AttachedFiles: req.AttachedFiles,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess, nil))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ListActive(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	type activeView struct {
		SessionView
		Repo       string `json:"repo"`
		IssueTitle string `json:"issue_title"`
	}
	views := make([]activeView, 0, len(active))
	for _, a := range active {
		views = append(views, activeView{
			SessionView: toSessionView(a.Session, nil),
			Repo:        a.RepoFullName,
			IssueTitle:  a.IssueTitle,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Poll(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(res.Session, res.Output))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sessions.SendFollowup(r.Context(), r.PathValue("id"), req.Message); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "follow-up sent"})
}

// ExecuteAPIRequest approves the plan and starts implementation.
type ExecuteAPIRequest struct {
	BranchName   string `json:"branch_name"`
	TargetBranch string `json:"target_branch"`
	Approved     bool   `json:"approved"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteAPIRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Execute(r.Context(), r.PathValue("id"), req.BranchName, req.TargetBranch, req.Approved)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess, nil))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session cancelled"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeErr(w, errkind.New(errkind.Validation, "read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeErr(w, errkind.New(errkind.Validation, "invalid json body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	msg := err.Error()
	var e *errkind.Error
	if !errors.As(err, &e) {
		// Unclassified errors never expose internals to callers.
		slog.Error("internal error", "err", err)
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), ErrorBody{Kind: string(kind), Error: msg})
}

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.Validation:
		return http.StatusBadRequest
	case errkind.Auth:
		return http.StatusUnauthorized
	case errkind.Permission:
		return http.StatusForbidden
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.Conflict:
		return http.StatusConflict
	case errkind.RateLimit:
		return http.StatusTooManyRequests
	case errkind.Network, errkind.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
