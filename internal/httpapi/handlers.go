package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trackmirror/trackmirror/internal/gh"
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
	"github.com/trackmirror/trackmirror/internal/webhook"
)

// maxWebhookBody caps delivery payloads. GitHub's own limit is 25 MB.
const maxWebhookBody = 25 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading body")
		return
	}

	err = s.pipeline.Ingest(r.Context(),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"),
		r.Header.Get("X-Hub-Signature-256"),
		body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			respondError(w, http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, webhook.ErrMalformedPayload):
			respondError(w, http.StatusBadRequest, "malformed payload")
		default:
			s.logger.Error("webhook processing failed", slog.String("error", err.Error()))
			respondError(w, http.StatusInternalServerError, "processing failed")
		}

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	out := make([]repoResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, newRepoResponse(repo))
	}

	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	repo := chi.URLParam(r, "repo")

	result, err := s.orchestrator.StartSync(r.Context(), s.cfg.GitHub.Token, owner, repo, userID(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.AlreadySyncing {
		status = http.StatusConflict
	}

	respondJSON(w, status, syncTriggerResponse{
		Started:          result.Started,
		AlreadySyncing:   result.AlreadySyncing,
		PreviousSyncedAt: result.PreviousSyncedAt,
	})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	repo := chi.URLParam(r, "repo")

	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		respondError(w, http.StatusBadRequest, "invalid issue number")
		return
	}

	view, err := s.reader.GetIssue(r.Context(), owner, repo, number)
	if err != nil {
		s.respondReadError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newIssueResponse(view))
}

func (s *Server) handleGetChecks(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	repo := chi.URLParam(r, "repo")

	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		respondError(w, http.StatusBadRequest, "invalid issue number")
		return
	}

	repository, err := s.store.GetRepositoryByFullName(r.Context(), owner+"/"+repo)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	issue, err := s.store.GetIssueByNumber(r.Context(), repository.ID, number)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	if !issue.PullRequest || issue.HeadSHA == "" {
		respondError(w, http.StatusBadRequest, "not a pull request with a known head commit")
		return
	}

	checks, err := mirror.AggregateChecks(r.Context(), s.store, repository.ID, issue.HeadSHA)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newChecksResponse(checks))
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	repository, err := s.store.GetRepositoryByFullName(r.Context(),
		chi.URLParam(r, "owner")+"/"+chi.URLParam(r, "repo"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	sub, err := s.store.GetSubscription(r.Context(), userID(r), repository.ID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub))
}

// subscriptionPatchRequest accepts either a preset name or individual
// channel toggles. A preset applies first; explicit toggles then refine it.
type subscriptionPatchRequest struct {
	Preset       *string `json:"preset"`
	Issues       *bool   `json:"issues"`
	PullRequests *bool   `json:"pull_requests"`
	Releases     *bool   `json:"releases"`
	CI           *bool   `json:"ci"`
	Mentions     *bool   `json:"mentions"`
	Activity     *bool   `json:"activity"`
}

func (s *Server) handlePatchSubscription(w http.ResponseWriter, r *http.Request) {
	repository, err := s.store.GetRepositoryByFullName(r.Context(),
		chi.URLParam(r, "owner")+"/"+chi.URLParam(r, "repo"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	var req subscriptionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	patch := store.SubscriptionPatch{}

	if req.Preset != nil {
		var ok bool

		patch, ok = store.PresetPatch(*req.Preset)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown preset")
			return
		}
	}

	overlay := func(dst **bool, src *bool) {
		if src != nil {
			*dst = src
		}
	}

	overlay(&patch.Issues, req.Issues)
	overlay(&patch.PullRequests, req.PullRequests)
	overlay(&patch.Releases, req.Releases)
	overlay(&patch.CI, req.CI)
	overlay(&patch.Mentions, req.Mentions)
	overlay(&patch.Activity, req.Activity)

	sub, err := s.store.UpdateSubscription(r.Context(), userID(r), repository.ID, patch)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	repository, err := s.store.GetRepositoryByFullName(r.Context(),
		chi.URLParam(r, "owner")+"/"+chi.URLParam(r, "repo"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	if err := s.store.DeleteSubscription(r.Context(), userID(r), repository.ID); err != nil {
		s.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifs, err := s.store.ListNotifications(r.Context(), userID(r), unreadOnly)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	out := make([]notificationResponse, 0, len(notifs))
	for _, n := range notifs {
		out = append(out, newNotificationResponse(n))
	}

	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	if err := s.store.MarkNotificationRead(r.Context(), userID(r), id); err != nil {
		s.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkAllNotificationsRead(r.Context(), userID(r)); err != nil {
		s.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearReadNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearReadNotifications(r.Context(), userID(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// --- response shapes ---

type repoResponse struct {
	ID           int64      `json:"id"`
	FullName     string     `json:"full_name"`
	Private      bool       `json:"private"`
	Syncing      bool       `json:"syncing"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func newRepoResponse(r *store.Repository) repoResponse {
	return repoResponse{
		ID:           r.ID,
		FullName:     r.FullName,
		Private:      r.Private,
		Syncing:      r.Syncing,
		LastSyncedAt: r.LastSyncedAt,
	}
}

type syncTriggerResponse struct {
	Started          bool       `json:"started"`
	AlreadySyncing   bool       `json:"already_syncing"`
	PreviousSyncedAt *time.Time `json:"previous_synced_at"`
}

type issueResponse struct {
	ID            int64             `json:"id"`
	Number        int               `json:"number"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	State         string            `json:"state"`
	PullRequest   bool              `json:"pull_request"`
	Merged        bool              `json:"merged,omitempty"`
	HeadRef       string            `json:"head_ref,omitempty"`
	BaseRef       string            `json:"base_ref,omitempty"`
	AuthorID      int64             `json:"author_id"`
	CommentCount  int               `json:"comment_count"`
	ReactionCount int               `json:"reaction_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	Comments      []commentResponse `json:"comments"`
	Checks        *checksResponse   `json:"checks,omitempty"`
	Stale         bool              `json:"stale"`

	// ResolutionSkipped reports that resolution analysis does not apply
	// (open issues and pull requests); ResolutionStale that the cached
	// analysis needs recomputing.
	ResolutionSkipped bool `json:"resolution_skipped"`
	ResolutionStale   bool `json:"resolution_stale,omitempty"`
}

type commentResponse struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type checksResponse struct {
	State      string `json:"state"`
	Label      string `json:"label"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Running    int    `json:"running"`
	Total      int    `json:"total"`
	FailureURL string `json:"failure_url,omitempty"`
}

func newChecksResponse(c *mirror.CheckSummary) *checksResponse {
	if c == nil {
		return nil
	}

	return &checksResponse{
		State:      string(c.State),
		Label:      c.Label,
		Passed:     c.Passed,
		Failed:     c.Failed,
		Running:    c.Running,
		Total:      c.Total,
		FailureURL: c.FailureURL,
	}
}

func newIssueResponse(v *mirror.IssueView) issueResponse {
	resp := issueResponse{
		ID:                v.Issue.ID,
		Number:            v.Issue.Number,
		Title:             v.Issue.Title,
		Body:              v.Issue.Body,
		State:             v.Issue.State,
		PullRequest:       v.Issue.PullRequest,
		Merged:            v.Issue.Merged,
		HeadRef:           v.Issue.HeadRef,
		BaseRef:           v.Issue.BaseRef,
		AuthorID:          v.Issue.AuthorID,
		CommentCount:      v.Issue.CommentCount,
		ReactionCount:     v.Issue.ReactionCount,
		CreatedAt:         v.Issue.CreatedAt,
		UpdatedAt:         v.Issue.UpdatedAt,
		ClosedAt:          v.Issue.ClosedAt,
		Checks:            newChecksResponse(v.Checks),
		Stale:             v.Stale,
		ResolutionSkipped: v.ResolutionSkipped,
		ResolutionStale:   v.ResolutionStale,
	}

	resp.Comments = make([]commentResponse, 0, len(v.Comments))

	for _, c := range v.Comments {
		resp.Comments = append(resp.Comments, commentResponse{
			ID:        c.ID,
			AuthorID:  c.AuthorID,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}

	return resp
}

type subscriptionResponse struct {
	Preset       string `json:"preset"`
	Issues       bool   `json:"issues"`
	PullRequests bool   `json:"pull_requests"`
	Releases     bool   `json:"releases"`
	CI           bool   `json:"ci"`
	Mentions     bool   `json:"mentions"`
	Activity     bool   `json:"activity"`
}

func newSubscriptionResponse(sub *store.Subscription) subscriptionResponse {
	return subscriptionResponse{
		Preset:       sub.Preset(),
		Issues:       sub.Issues,
		PullRequests: sub.PullRequests,
		Releases:     sub.Releases,
		CI:           sub.CI,
		Mentions:     sub.Mentions,
		Activity:     sub.Activity,
	}
}

type notificationResponse struct {
	ID            int64      `json:"id"`
	RepositoryID  int64      `json:"repository_id"`
	Kind          string     `json:"kind"`
	IssueID       *int64     `json:"issue_id,omitempty"`
	ReleaseID     *int64     `json:"release_id,omitempty"`
	WorkflowRunID *int64     `json:"workflow_run_id,omitempty"`
	Title         string     `json:"title"`
	Read          bool       `json:"read"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
}

func newNotificationResponse(n *store.Notification) notificationResponse {
	return notificationResponse{
		ID:            n.ID,
		RepositoryID:  n.RepositoryID,
		Kind:          n.Kind,
		IssueID:       n.IssueID,
		ReleaseID:     n.ReleaseID,
		WorkflowRunID: n.WorkflowRunID,
		Title:         n.Title,
		Read:          n.Read,
		CreatedAt:     n.CreatedAt,
		ReadAt:        n.ReadAt,
	}
}

// --- error mapping and JSON helpers ---

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	s.logger.Error("request failed", slog.String("error", err.Error()))
	respondError(w, http.StatusInternalServerError, "internal error")
}

// respondReadError maps read-through failures: remote errors surface as
// gateway problems, local misses as 404.
func (s *Server) respondReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mirror.ErrRepositoryNotMirrored):
		respondError(w, http.StatusNotFound, "repository not mirrored; trigger a sync first")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gh.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, gh.ErrRateLimited):
		respondError(w, http.StatusServiceUnavailable, "remote rate limit exceeded")
	case errors.Is(err, gh.ErrUnauthorized), errors.Is(err, gh.ErrForbidden):
		respondError(w, http.StatusBadGateway, "remote rejected credentials")
	case errors.Is(err, gh.ErrServerError):
		respondError(w, http.StatusBadGateway, "remote unavailable")
	default:
		s.logger.Error("read failed", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
