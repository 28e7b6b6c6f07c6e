package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
	"github.com/trackmirror/trackmirror/internal/webhook"
)

var testSecret = []byte("hunter2")

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.Server.WebhookSecret = string(testSecret)
	cfg.GitHub.Token = "test-token"
	// An unroutable remote keeps background sync goroutines from going
	// anywhere; handler status codes never depend on them.
	cfg.GitHub.BaseURL = "http://127.0.0.1:1/"

	client, err := gh.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, nil, logger)
	require.NoError(t, err)

	rec := mirror.NewReconciler(st, logger)
	orch := mirror.NewOrchestrator(st, rec, cfg.GitHub.BaseURL, 1, logger)
	policy := mirror.NewPolicy(st, cfg.StalenessWindow(), cfg.AnalysisWindow(), logger)
	reader := mirror.NewReader(st, policy, rec, client, logger)
	dispatcher := mirror.NewDispatcher(st, logger)
	pipeline := webhook.NewPipeline(st, rec, dispatcher, testSecret, logger)
	feed := NewFeed(logger)
	t.Cleanup(feed.Close)

	return NewServer(cfg, st, orch, reader, pipeline, feed, logger), st
}

func doRequest(t *testing.T, s *Server, method, path string, asUser int64, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if asUser != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(asUser, 10))
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))

	return v
}

func seedRepo(t *testing.T, st *store.Store) *store.Repository {
	t.Helper()

	repo := &store.Repository{ID: 42, Owner: "octo", Name: "mirror", FullName: "octo/mirror"}
	require.NoError(t, st.UpsertRepository(context.Background(), repo))

	return repo
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/healthz", 0, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPIRequiresUserHeader(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/api/repos", "/api/notifications"} {
		rr := doRequest(t, s, http.MethodGet, path, 0, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/repos", nil)
	req.Header.Set("X-User-ID", "not-a-number")

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestListRepos(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)

	rr := doRequest(t, s, http.MethodGet, "/api/repos", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	repos := decodeBody[[]repoResponse](t, rr)
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/mirror", repos[0].FullName)
	assert.False(t, repos[0].Syncing)
	assert.Nil(t, repos[0].LastSyncedAt)
}

func TestWebhookEndpointStatusMapping(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"zen": "ok"}`)

	post := func(signature string, payload []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
		req.Header.Set("X-GitHub-Event", "ping")
		req.Header.Set("X-GitHub-Delivery", "d-"+signature[:12])
		req.Header.Set("X-Hub-Signature-256", signature)

		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)

		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, post("sha256=deadbeef", body).Code)
	assert.Equal(t, http.StatusOK, post(sign(body), body).Code)

	garbage := []byte(`{broken`)
	assert.Equal(t, http.StatusBadRequest, post(sign(garbage), garbage).Code)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestTriggerSyncConflictWhileSyncing(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	acquired, err := st.TryBeginSync(ctx, 42)
	require.NoError(t, err)
	require.True(t, acquired)

	rr := doRequest(t, s, http.MethodPost, "/api/repos/octo/mirror/sync", 501, nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	resp := decodeBody[syncTriggerResponse](t, rr)
	assert.True(t, resp.AlreadySyncing)
	assert.False(t, resp.Started)
}

func TestTriggerSyncAccepted(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)

	rr := doRequest(t, s, http.MethodPost, "/api/repos/octo/mirror/sync", 501, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	resp := decodeBody[syncTriggerResponse](t, rr)
	assert.True(t, resp.Started)
	assert.False(t, resp.AlreadySyncing)
}

func TestGetIssueNotMirrored(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/issues/1", 501, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	body := decodeBody[map[string]string](t, rr)
	assert.Contains(t, body["error"], "not mirrored")
}

func TestGetIssueFreshFromMirror(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	issue := &store.Issue{
		ID: 100, RepositoryID: 42, Number: 1, Title: "cached", State: "open",
		Body:      "hello",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.UpsertIssue(ctx, issue))
	require.NoError(t, st.MarkIssueSynced(ctx, issue.ID, time.Now().UTC()))

	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/issues/1", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody[issueResponse](t, rr)
	assert.Equal(t, "cached", resp.Title)
	assert.False(t, resp.Stale)
	assert.True(t, resp.ResolutionSkipped, "open issues report resolution analysis as skipped")
	assert.NotNil(t, resp.Comments, "comments serialize as an empty list, not null")
}

func TestGetIssueInvalidNumber(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)

	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/issues/zero", 501, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetChecksRequiresPullRequest(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	issue := &store.Issue{
		ID: 100, RepositoryID: 42, Number: 1, Title: "plain issue", State: "open",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.UpsertIssue(ctx, issue))

	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/issues/1/checks", 501, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetChecksAggregates(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	pr := &store.Issue{
		ID: 101, RepositoryID: 42, Number: 2, Title: "pr", State: "open",
		PullRequest: true, HeadSHA: "abc123",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.UpsertIssue(ctx, pr))

	require.NoError(t, st.UpsertWorkflowRun(ctx, &store.WorkflowRun{
		ID: 1, RepositoryID: 42, Name: "build", HeadSHA: "abc123",
		Status: "completed", Conclusion: "success", CreatedAt: time.Now(),
	}))

	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/issues/2/checks", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody[checksResponse](t, rr)
	assert.Equal(t, string(mirror.ChecksPassed), resp.State)
	assert.Equal(t, "1/1 passed", resp.Label)
}

func TestSubscriptionEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertShadowUser(ctx, &store.User{ID: 501, Login: "alice"}))

	// No subscription yet.
	rr := doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/subscription", 501, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Preset applies first, explicit toggles refine it.
	rr = doRequest(t, s, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "all", "ci": false}`))
	require.Equal(t, http.StatusOK, rr.Code)

	sub := decodeBody[subscriptionResponse](t, rr)
	assert.True(t, sub.Issues)
	assert.True(t, sub.Releases)
	assert.False(t, sub.CI)

	rr = doRequest(t, s, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "bogus"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, s, http.MethodDelete, "/api/repos/octo/mirror/subscription", 501, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, s, http.MethodGet, "/api/repos/octo/mirror/subscription", 501, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNotificationEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertShadowUser(ctx, &store.User{ID: 501, Login: "alice"}))
	require.NoError(t, st.UpsertShadowUser(ctx, &store.User{ID: 999, Login: "actor"}))

	for i := range 3 {
		require.NoError(t, st.CreateNotification(ctx, &store.Notification{
			UserID: 501, RepositoryID: 42, Kind: store.NotifIssue,
			ActorID: 999, Title: "n" + strconv.Itoa(i),
		}))
	}

	rr := doRequest(t, s, http.MethodGet, "/api/notifications", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	notifs := decodeBody[[]notificationResponse](t, rr)
	require.Len(t, notifs, 3)

	// Mark one read, then filter to unread.
	rr = doRequest(t, s, http.MethodPost,
		"/api/notifications/"+strconv.FormatInt(notifs[0].ID, 10)+"/read", 501, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, s, http.MethodGet, "/api/notifications?unread=true", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]notificationResponse](t, rr), 2)

	// Another user cannot read someone else's notification.
	rr = doRequest(t, s, http.MethodPost,
		"/api/notifications/"+strconv.FormatInt(notifs[1].ID, 10)+"/read", 777, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, s, http.MethodPost, "/api/notifications/read", 501, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, s, http.MethodDelete, "/api/notifications/read", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(3), decodeBody[map[string]int64](t, rr)["deleted"])

	rr = doRequest(t, s, http.MethodGet, "/api/notifications", 501, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]notificationResponse](t, rr))
}

func TestFeedPublishRoutesToSubscriberOnly(t *testing.T) {
	feed := NewFeed(slog.New(slog.DiscardHandler))
	defer feed.Close()

	alice, ok := feed.subscribe(501)
	require.True(t, ok)
	defer feed.unsubscribe(alice)

	bob, ok := feed.subscribe(502)
	require.True(t, ok)
	defer feed.unsubscribe(bob)

	feed.Publish(&store.Notification{ID: 1, UserID: 501, Title: "for alice"})

	select {
	case n := <-alice.ch:
		assert.Equal(t, "for alice", n.Title)
	case <-time.After(time.Second):
		t.Fatal("notification never reached subscriber")
	}

	select {
	case n := <-bob.ch:
		t.Fatalf("notification leaked to wrong user: %+v", n)
	default:
	}
}

func TestFeedDropsWhenClientStalls(t *testing.T) {
	feed := NewFeed(slog.New(slog.DiscardHandler))
	defer feed.Close()

	client, ok := feed.subscribe(501)
	require.True(t, ok)
	defer feed.unsubscribe(client)

	// Fill the buffer past capacity; the publisher must never block.
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := range feedBuffer * 2 {
			feed.Publish(&store.Notification{ID: int64(i), UserID: 501, Title: "burst"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stalled client")
	}

	assert.Len(t, client.ch, feedBuffer)
}

func TestPresetNameRoundTrip(t *testing.T) {
	s, st := newTestServer(t)
	seedRepo(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertShadowUser(ctx, &store.User{ID: 501, Login: "alice"}))

	rr := doRequest(t, s, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "participating"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.PresetParticipating, decodeBody[subscriptionResponse](t, rr).Preset)

	// "all" minus activity is exactly the participating tuple.
	rr = doRequest(t, s, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "all", "activity": false}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.PresetParticipating, decodeBody[subscriptionResponse](t, rr).Preset)

	rr = doRequest(t, s, http.MethodPatch, "/api/repos/octo/mirror/subscription", 501,
		[]byte(`{"preset": "ignore", "mentions": true}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.PresetCustom, decodeBody[subscriptionResponse](t, rr).Preset)
}
