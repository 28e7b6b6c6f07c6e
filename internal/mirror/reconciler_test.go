package mirror

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackmirror/trackmirror/internal/store"
)

func TestDiffIDs(t *testing.T) {
	tests := []struct {
		name       string
		current    []int64
		desired    []int64
		wantAdd    []int64
		wantRemove []int64
	}{
		{
			name:       "overlap",
			current:    []int64{1, 2, 3},
			desired:    []int64{2, 3, 4},
			wantAdd:    []int64{4},
			wantRemove: []int64{1},
		},
		{
			name:    "identical",
			current: []int64{1, 2},
			desired: []int64{2, 1},
		},
		{
			name:    "empty to full",
			desired: []int64{1, 2},
			wantAdd: []int64{1, 2},
		},
		{
			name:       "full to empty",
			current:    []int64{1, 2},
			wantRemove: []int64{1, 2},
		},
		{
			name:    "duplicates in desired collapse",
			current: []int64{1},
			desired: []int64{1, 1, 2, 2},
			wantAdd: []int64{2},
		},
		{
			name: "both empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toAdd, toRemove := diffIDs(tt.current, tt.desired)
			assert.ElementsMatch(t, tt.wantAdd, toAdd)
			assert.ElementsMatch(t, tt.wantRemove, toRemove)
		})
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()

	st := newTestStore(t)

	return NewReconciler(st, slog.New(slog.DiscardHandler)), st
}

func seedRepo(t *testing.T, st *store.Store) *store.Repository {
	t.Helper()

	repo := &store.Repository{ID: 42, Owner: "octo", Name: "mirror", FullName: "octo/mirror"}
	require.NoError(t, st.UpsertRepository(context.Background(), repo))

	return repo
}

func TestApplyIssueReconcilesAssignees(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	author := ghUser(500, "author")

	snapshot := ghIssue(100, 1, author)
	snapshot.Assignees = []*github.User{ghUser(501, "alice"), ghUser(502, "bob"), ghUser(503, "carol")}

	issue, err := rec.ApplyIssue(ctx, repo.ID, snapshot)
	require.NoError(t, err)

	ids, err := st.ListRelationIDs(ctx, store.RelationAssignees, issue.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{501, 502, 503}, ids)

	// Remote set changes to {bob, carol, dave}: one delete, one insert.
	snapshot.Assignees = []*github.User{ghUser(502, "bob"), ghUser(503, "carol"), ghUser(504, "dave")}

	_, err = rec.ApplyIssue(ctx, repo.ID, snapshot)
	require.NoError(t, err)

	ids, err = st.ListRelationIDs(ctx, store.RelationAssignees, issue.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{502, 503, 504}, ids)
}

func TestApplyIssueCreatesShadowUsers(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	_, err := rec.ApplyIssue(ctx, repo.ID, ghIssue(100, 1, ghUser(500, "author")))
	require.NoError(t, err)

	u, err := st.GetUser(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, "author", u.Login)
	assert.False(t, u.Registered, "referenced users are shadow records")
}

func TestApplyIssueGhostAuthor(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	// Deleted remote accounts arrive as nil users.
	snapshot := ghIssue(100, 1, nil)

	issue, err := rec.ApplyIssue(ctx, repo.ID, snapshot)
	require.NoError(t, err)
	assert.Zero(t, issue.AuthorID)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AuthorID)
}

func TestApplyIssueUpsertsLabels(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	snapshot := ghIssue(100, 1, ghUser(500, "author"))
	snapshot.Labels = []*github.Label{
		{ID: github.Int64(7), Name: github.String("bug"), Color: github.String("red")},
	}

	issue, err := rec.ApplyIssue(ctx, repo.ID, snapshot)
	require.NoError(t, err)

	ids, err := st.ListRelationIDs(ctx, store.RelationLabels, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}

func TestApplyPullRequestReusesExistingRowID(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	// Sync path stored the issues-endpoint representation first.
	_, err := rec.ApplyIssue(ctx, repo.ID, ghPullIssue(100, 2, ghUser(500, "author")))
	require.NoError(t, err)

	// Webhook delivery carries the pull-request-endpoint id.
	pr := &github.PullRequest{
		ID:        github.Int64(9001),
		Number:    github.Int(2),
		Title:     github.String("pr title"),
		State:     github.String("open"),
		User:      ghUser(500, "author"),
		Head:      &github.PullRequestBranch{Ref: github.String("feature"), SHA: github.String("abc123")},
		Base:      &github.PullRequestBranch{Ref: github.String("main"), SHA: github.String("def456")},
		CreatedAt: ghTime(1700000000),
		UpdatedAt: ghTime(1700000300),
	}

	issue, err := rec.ApplyPullRequest(ctx, repo.ID, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), issue.ID, "existing row identity must be reused")
	assert.Equal(t, "abc123", issue.HeadSHA)

	got, err := st.GetIssueByNumber(ctx, repo.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.ID)
	assert.Equal(t, "pr title", got.Title)
}

func TestApplyIssueKeepsPullRequestDetails(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	pr := &github.PullRequest{
		ID:        github.Int64(9001),
		Number:    github.Int(2),
		Title:     github.String("pr title"),
		State:     github.String("open"),
		Merged:    github.Bool(true),
		User:      ghUser(500, "author"),
		Head:      &github.PullRequestBranch{Ref: github.String("feature"), SHA: github.String("abc123")},
		Base:      &github.PullRequestBranch{Ref: github.String("main"), SHA: github.String("def456")},
		CreatedAt: ghTime(1700000000),
		UpdatedAt: ghTime(1700000300),
	}

	stored, err := rec.ApplyPullRequest(ctx, repo.ID, pr)
	require.NoError(t, err)

	// An issue_comment delivery embeds the issues-endpoint shape, which
	// carries no head/base or merged fields. Applying it must not erase
	// the detail the pulls endpoint already supplied.
	snapshot := ghPullIssue(stored.ID, 2, ghUser(500, "author"))
	snapshot.Title = github.String("retitled")

	_, err = rec.ApplyIssue(ctx, repo.ID, snapshot)
	require.NoError(t, err)

	got, err := st.GetIssueByNumber(ctx, repo.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "retitled", got.Title)
	assert.Equal(t, "abc123", got.HeadSHA)
	assert.Equal(t, "feature", got.HeadRef)
	assert.Equal(t, "def456", got.BaseSHA)
	assert.Equal(t, "main", got.BaseRef)
	assert.True(t, got.Merged)
}

func TestReconcileCollaborators(t *testing.T) {
	rec, st := newTestReconciler(t)
	ctx := context.Background()
	repo := seedRepo(t, st)

	require.NoError(t, rec.ReconcileCollaborators(ctx, repo.ID,
		[]*github.User{ghUser(501, "alice"), ghUser(502, "bob")}))

	// Bob loses access; carol gains it.
	require.NoError(t, rec.ReconcileCollaborators(ctx, repo.ID,
		[]*github.User{ghUser(501, "alice"), ghUser(503, "carol")}))

	ids, err := st.ListCollaboratorIDs(ctx, repo.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{501, 503}, ids)
}
