//go:build e2e

// End-to-end tests: a full server stack wired against a fake GitHub API,
// exercised through the public HTTP surface. Run with -tags e2e.
package e2e

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackmirror/trackmirror/internal/config"
	"github.com/trackmirror/trackmirror/internal/gh"
	"github.com/trackmirror/trackmirror/internal/httpapi"
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
	"github.com/trackmirror/trackmirror/internal/webhook"
)

var webhookSecret = []byte("e2e-secret")

// fakeGitHub serves the slice of the GitHub REST API the sync pipeline
// touches, under the /api/v3/ prefix the enterprise client expects.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()

	api := http.NewServeMux()

	api.HandleFunc("GET /repos/octo/mirror", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 42, "name": "mirror", "full_name": "octo/mirror",
			"owner": {"id": 1, "login": "octo"}, "private": true}`)
	})

	api.HandleFunc("GET /repos/octo/mirror/collaborators", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 501, "login": "alice"}, {"id": 502, "login": "bob"}]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/labels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 7, "name": "bug", "color": "ff0000"}]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/milestones", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 11, "number": 1, "title": "v1.0", "state": "open"}]`)
	})

	api.HandleFunc("GET /orgs/octo/issue-types", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	api.HandleFunc("GET /repos/octo/mirror/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id": 100, "number": 1, "title": "crash on start", "state": "open",
			 "body": "it crashes", "user": {"id": 501, "login": "alice"},
			 "created_at": "2026-08-01T10:00:00Z", "updated_at": "2026-08-01T10:00:00Z"},
			{"id": 101, "number": 2, "title": "fix crash", "state": "open",
			 "user": {"id": 502, "login": "bob"},
			 "pull_request": {"url": "https://example.invalid/pulls/2"},
			 "created_at": "2026-08-02T10:00:00Z", "updated_at": "2026-08-02T10:00:00Z"}
		]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 9000, "body": "reproduced on main",
			"user": {"id": 502, "login": "bob"},
			"created_at": "2026-08-01T11:00:00Z", "updated_at": "2026-08-01T11:00:00Z"}]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/issues/2/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/pulls/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 5001, "number": 2, "title": "fix crash", "state": "open",
			"user": {"id": 502, "login": "bob"},
			"head": {"ref": "fix", "sha": "abc123"},
			"base": {"ref": "main", "sha": "def456"},
			"created_at": "2026-08-02T10:00:00Z", "updated_at": "2026-08-02T10:00:00Z"}`)
	})

	api.HandleFunc("GET /repos/octo/mirror/pulls/2/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 7001, "state": "APPROVED", "body": "lgtm",
			"user": {"id": 501, "login": "alice"},
			"submitted_at": "2026-08-02T12:00:00Z"}]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/pulls/2/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	api.HandleFunc("GET /repos/octo/mirror/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 1, "workflow_runs": [
			{"id": 8001, "name": "build", "head_sha": "abc123", "head_branch": "fix",
			 "status": "completed", "conclusion": "success",
			 "html_url": "https://example.invalid/runs/8001",
			 "created_at": "2026-08-02T10:05:00Z", "updated_at": "2026-08-02T10:10:00Z"}
		]}`)
	})

	root := http.NewServeMux()
	root.Handle("/api/v3/", http.StripPrefix("/api/v3", api))

	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)

	return srv
}

type env struct {
	server *httpapi.Server
	store  *store.Store
	orch   *mirror.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	remote := fakeGitHub(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.GitHub.Token = "e2e-token"
	cfg.GitHub.BaseURL = remote.URL
	cfg.Server.WebhookSecret = string(webhookSecret)

	client, err := gh.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, nil, logger)
	require.NoError(t, err)

	rec := mirror.NewReconciler(st, logger)
	orch := mirror.NewOrchestrator(st, rec, cfg.GitHub.BaseURL, 2, logger)
	policy := mirror.NewPolicy(st, cfg.StalenessWindow(), cfg.AnalysisWindow(), logger)
	reader := mirror.NewReader(st, policy, rec, client, logger)
	dispatcher := mirror.NewDispatcher(st, logger)
	pipeline := webhook.NewPipeline(st, rec, dispatcher, webhookSecret, logger)
	feed := httpapi.NewFeed(logger)
	t.Cleanup(feed.Close)
	dispatcher.SetDeliveryHook(feed.Publish)

	return &env{
		server: httpapi.NewServer(cfg, st, orch, reader, pipeline, feed, logger),
		store:  st,
		orch:   orch,
	}
}

func (e *env) request(t *testing.T, method, path string, asUser int64, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if asUser != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(asUser, 10))
	}

	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	return rr
}

// syncAndWait runs the full pipeline synchronously so assertions see the
// finished mirror.
func (e *env) syncAndWait(t *testing.T, asUser int64) *mirror.SyncSummary {
	t.Helper()

	summary, err := e.orch.SyncRepository(t.Context(), "e2e-token", "octo", "mirror", asUser)
	require.NoError(t, err)

	return summary
}

func signPayload(body []byte) string {
	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestFullSyncThenRead(t *testing.T) {
	e := newEnv(t)

	summary := e.syncAndWait(t, 501)
	assert.Equal(t, 1, summary.Issues)
	assert.Equal(t, 1, summary.PullRequests)
	assert.Equal(t, 1, summary.Comments)
	assert.Equal(t, 2, summary.Collaborators)
	assert.Zero(t, summary.Skipped)

	// The mirror is stamped and unlocked.
	rr := e.request(t, http.MethodGet, "/api/repos", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var repos []map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&repos))
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/mirror", repos[0]["full_name"])
	assert.Equal(t, false, repos[0]["syncing"])
	assert.NotNil(t, repos[0]["last_synced_at"])

	// Fresh read comes straight from the mirror.
	rr = e.request(t, http.MethodGet, "/api/repos/octo/mirror/issues/1", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var issue map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&issue))
	assert.Equal(t, "crash on start", issue["title"])
	assert.Equal(t, false, issue["stale"])
	assert.Len(t, issue["comments"], 1)

	// The PR carries its aggregated CI verdict.
	rr = e.request(t, http.MethodGet, "/api/repos/octo/mirror/issues/2/checks", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var checks map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&checks))
	assert.Equal(t, "passed", checks["state"])
	assert.Equal(t, "1/1 passed", checks["label"])
}

func TestSyncIsIdempotent(t *testing.T) {
	e := newEnv(t)

	first := e.syncAndWait(t, 501)
	second := e.syncAndWait(t, 501)

	assert.Equal(t, first.Issues, second.Issues)
	assert.Equal(t, first.PullRequests, second.PullRequests)

	issue, err := e.store.GetIssueByNumber(t.Context(), 42, 1)
	require.NoError(t, err)
	assert.Equal(t, "crash on start", issue.Title)
}

func TestSyncDeniedForNonCollaborator(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.SyncRepository(t.Context(), "e2e-token", "octo", "mirror", 700)
	require.ErrorIs(t, err, mirror.ErrAccessDenied)

	// The flag is released; a collaborator can sync afterward.
	e.syncAndWait(t, 501)
}

func TestWebhookConvergesAfterSync(t *testing.T) {
	e := newEnv(t)
	e.syncAndWait(t, 501)

	// Alice tightens her channels, then bob closes the issue upstream.
	rr := e.request(t, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "participating"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	payload := []byte(`{
		"action": "closed",
		"repository": {"id": 42, "full_name": "octo/mirror"},
		"issue": {"id": 100, "number": 1, "title": "crash on start", "state": "closed",
			"user": {"id": 501, "login": "alice"},
			"created_at": "2026-08-01T10:00:00Z", "updated_at": "2026-08-03T10:00:00Z",
			"closed_at": "2026-08-03T10:00:00Z"},
		"sender": {"id": 502, "login": "bob"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "e2e-delivery-1")
	req.Header.Set("X-Hub-Signature-256", signPayload(payload))

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	issue, err := e.store.GetIssueByNumber(t.Context(), 42, 1)
	require.NoError(t, err)
	assert.Equal(t, "closed", issue.State)
	assert.NotNil(t, issue.ClosedAt)

	// Alice is notified; bob acted, so he is not.
	rr = e.request(t, http.MethodGet, "/api/notifications", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var notifs []map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&notifs))
	require.Len(t, notifs, 1)
	assert.Equal(t, "issue", notifs[0]["kind"])

	rr = e.request(t, http.MethodGet, "/api/notifications", 502, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	notifs = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&notifs))
	assert.Empty(t, notifs)
}

func TestStaleReadServedWithMarker(t *testing.T) {
	e := newEnv(t)
	e.syncAndWait(t, 501)

	// Age the sync stamp past the staleness window.
	past := time.Now().Add(-time.Hour).UTC()

	issue, err := e.store.GetIssueByNumber(t.Context(), 42, 1)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkIssueSynced(t.Context(), issue.ID, past))

	rr := e.request(t, http.MethodGet, "/api/repos/octo/mirror/issues/1", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, true, resp["stale"], "stale reads are served immediately, marked")
}
