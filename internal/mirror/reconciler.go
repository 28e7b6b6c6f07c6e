// Package mirror implements the convergence core: the full-sync
// orchestrator, the entity reconciler shared by syncs and webhook
// ingestion, the staleness policy gating reads, and the downstream
// notification fan-out and CI status aggregation.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v57/github"

	"github.com/trackmirror/trackmirror/internal/store"
)

// Reconciler converts fetched remote snapshots into idempotent store
// writes. Relation sets (assignees, labels, requested reviewers) are
// reconciled as a minimal diff — never delete-all-then-reinsert, which
// would churn row identity out from under concurrent readers.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler over the given store.
func NewReconciler(st *store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{store: st, logger: logger}
}

// EnsureUser upserts a shadow record for a remotely referenced user and
// returns its id. Returns 0 for a nil user (deleted remote accounts).
func (r *Reconciler) EnsureUser(ctx context.Context, u *github.User) (int64, error) {
	converted := convertUser(u)
	if converted == nil || converted.ID == 0 {
		return 0, nil
	}

	if err := r.store.UpsertShadowUser(ctx, converted); err != nil {
		return 0, err
	}

	return converted.ID, nil
}

// ApplyIssue upserts an issue snapshot and reconciles its relation sets
// from the lists embedded in the snapshot. The issue's author, assignees,
// and requested reviewers are ensured as shadow users first so foreign
// keys always resolve.
func (r *Reconciler) ApplyIssue(ctx context.Context, repoID int64, ghIssue *github.Issue) (*store.Issue, error) {
	if _, err := r.EnsureUser(ctx, ghIssue.User); err != nil {
		return nil, err
	}

	if ghIssue.Milestone != nil {
		if err := r.store.UpsertMilestone(ctx, convertMilestone(ghIssue.Milestone, repoID)); err != nil {
			return nil, err
		}
	}

	issue := convertIssue(ghIssue, repoID)
	if err := r.store.UpsertIssue(ctx, issue); err != nil {
		return nil, err
	}

	if err := r.reconcileAssignees(ctx, issue.ID, ghIssue.Assignees); err != nil {
		return nil, err
	}

	if err := r.reconcileLabels(ctx, repoID, issue.ID, ghIssue.Labels); err != nil {
		return nil, err
	}

	return issue, nil
}

// ApplyPullRequest upserts the unified issue row straight from a pull
// request object, the shape pull_request webhook deliveries carry. When
// a row for the same number already exists its id is reused, keeping
// identity stable between the sync and webhook paths.
func (r *Reconciler) ApplyPullRequest(ctx context.Context, repoID int64, pr *github.PullRequest) (*store.Issue, error) {
	if _, err := r.EnsureUser(ctx, pr.User); err != nil {
		return nil, err
	}

	if pr.Milestone != nil {
		if err := r.store.UpsertMilestone(ctx, convertMilestone(pr.Milestone, repoID)); err != nil {
			return nil, err
		}
	}

	issue := convertPullRequest(pr, repoID)

	existing, err := r.store.GetIssueByNumber(ctx, repoID, issue.Number)
	if err == nil {
		issue.ID = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := r.store.UpsertIssue(ctx, issue); err != nil {
		return nil, err
	}

	if err := r.reconcileAssignees(ctx, issue.ID, pr.Assignees); err != nil {
		return nil, err
	}

	if err := r.reconcileLabels(ctx, repoID, issue.ID, pr.Labels); err != nil {
		return nil, err
	}

	if err := r.reconcileReviewers(ctx, issue.ID, pr.RequestedReviewers); err != nil {
		return nil, err
	}

	return issue, nil
}

// ApplyPullRequestDetails merges pull-request-only fields (head/base,
// merged) into the stored issue and reconciles requested reviewers.
func (r *Reconciler) ApplyPullRequestDetails(ctx context.Context, issue *store.Issue, pr *github.PullRequest) error {
	applyPullRequestDetails(issue, pr)

	if err := r.store.UpsertIssue(ctx, issue); err != nil {
		return err
	}

	return r.reconcileReviewers(ctx, issue.ID, pr.RequestedReviewers)
}

func (r *Reconciler) reconcileAssignees(ctx context.Context, issueID int64, assignees []*github.User) error {
	desired := make([]int64, 0, len(assignees))

	for _, u := range assignees {
		id, err := r.EnsureUser(ctx, u)
		if err != nil {
			return err
		}

		if id != 0 {
			desired = append(desired, id)
		}
	}

	return r.reconcileRelation(ctx, store.RelationAssignees, issueID, desired)
}

func (r *Reconciler) reconcileLabels(ctx context.Context, repoID, issueID int64, labels []*github.Label) error {
	desired := make([]int64, 0, len(labels))

	for _, l := range labels {
		if l.GetID() == 0 {
			continue
		}

		if err := r.store.UpsertLabel(ctx, convertLabel(l, repoID)); err != nil {
			return err
		}

		desired = append(desired, l.GetID())
	}

	return r.reconcileRelation(ctx, store.RelationLabels, issueID, desired)
}

func (r *Reconciler) reconcileReviewers(ctx context.Context, issueID int64, reviewers []*github.User) error {
	desired := make([]int64, 0, len(reviewers))

	for _, u := range reviewers {
		id, err := r.EnsureUser(ctx, u)
		if err != nil {
			return err
		}

		if id != 0 {
			desired = append(desired, id)
		}
	}

	return r.reconcileRelation(ctx, store.RelationReviewers, issueID, desired)
}

// reconcileRelation diffs the stored membership against the desired set
// and applies only the delta. Rows present in both sets are untouched.
func (r *Reconciler) reconcileRelation(ctx context.Context, rel store.Relation, issueID int64, desired []int64) error {
	current, err := r.store.ListRelationIDs(ctx, rel, issueID)
	if err != nil {
		return err
	}

	toAdd, toRemove := diffIDs(current, desired)

	for _, id := range toAdd {
		if err := r.store.AddRelation(ctx, rel, issueID, id); err != nil {
			return err
		}
	}

	for _, id := range toRemove {
		if err := r.store.RemoveRelation(ctx, rel, issueID, id); err != nil {
			return err
		}
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		r.logger.Debug("relation set reconciled",
			slog.Int64("issue", issueID),
			slog.Int("added", len(toAdd)),
			slog.Int("removed", len(toRemove)),
		)
	}

	return nil
}

// ApplyComment upserts a comment and its author.
func (r *Reconciler) ApplyComment(ctx context.Context, issueID int64, c *github.IssueComment) error {
	if _, err := r.EnsureUser(ctx, c.User); err != nil {
		return err
	}

	return r.store.UpsertComment(ctx, convertComment(c, issueID))
}

// ApplyReview upserts a review and its author.
func (r *Reconciler) ApplyReview(ctx context.Context, issueID int64, rev *github.PullRequestReview) error {
	if _, err := r.EnsureUser(ctx, rev.User); err != nil {
		return err
	}

	return r.store.UpsertReview(ctx, convertReview(rev, issueID))
}

// ApplyReviewComment upserts an inline review comment and its author.
func (r *Reconciler) ApplyReviewComment(ctx context.Context, issueID int64, rc *github.PullRequestComment) error {
	if _, err := r.EnsureUser(ctx, rc.User); err != nil {
		return err
	}

	return r.store.UpsertReviewComment(ctx, convertReviewComment(rc, issueID))
}

// ApplyRepository upserts repository metadata. Sync bookkeeping columns
// are untouched.
func (r *Reconciler) ApplyRepository(ctx context.Context, ghRepo *github.Repository) (*store.Repository, error) {
	converted := convertRepository(ghRepo)
	if err := r.store.UpsertRepository(ctx, converted); err != nil {
		return nil, err
	}

	return converted, nil
}

// ApplyLabel upserts one repository label definition.
func (r *Reconciler) ApplyLabel(ctx context.Context, repoID int64, l *github.Label) error {
	return r.store.UpsertLabel(ctx, convertLabel(l, repoID))
}

// ApplyMilestone upserts one milestone.
func (r *Reconciler) ApplyMilestone(ctx context.Context, repoID int64, m *github.Milestone) error {
	return r.store.UpsertMilestone(ctx, convertMilestone(m, repoID))
}

// ApplyWorkflowRun upserts a CI run.
func (r *Reconciler) ApplyWorkflowRun(ctx context.Context, repoID int64, run *github.WorkflowRun) error {
	return r.store.UpsertWorkflowRun(ctx, convertWorkflowRun(run, repoID))
}

// ApplyRelease upserts a release and its author.
func (r *Reconciler) ApplyRelease(ctx context.Context, repoID int64, rel *github.RepositoryRelease) (*store.Release, error) {
	if _, err := r.EnsureUser(ctx, rel.Author); err != nil {
		return nil, err
	}

	converted := convertRelease(rel, repoID)
	if err := r.store.UpsertRelease(ctx, converted); err != nil {
		return nil, err
	}

	return converted, nil
}

// ReconcileCollaborators replaces the repository's collaborator set with
// the fetched snapshot, upserting shadow users for new members.
func (r *Reconciler) ReconcileCollaborators(ctx context.Context, repoID int64, users []*github.User) error {
	desired := make([]int64, 0, len(users))

	for _, u := range users {
		id, err := r.EnsureUser(ctx, u)
		if err != nil {
			return err
		}

		if id != 0 {
			desired = append(desired, id)
		}
	}

	current, err := r.store.ListCollaboratorIDs(ctx, repoID)
	if err != nil {
		return err
	}

	toAdd, toRemove := diffIDs(current, desired)

	for _, id := range toAdd {
		if err := r.store.AddCollaborator(ctx, repoID, id); err != nil {
			return err
		}
	}

	for _, id := range toRemove {
		if err := r.store.RemoveCollaborator(ctx, repoID, id); err != nil {
			return err
		}
	}

	return nil
}

// diffIDs computes the minimal delta turning current into desired.
// Order of the returned slices is unspecified.
func diffIDs(current, desired []int64) (toAdd, toRemove []int64) {
	currentSet := make(map[int64]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	desiredSet := make(map[int64]bool, len(desired))

	for _, id := range desired {
		if desiredSet[id] {
			continue // duplicate in snapshot
		}

		desiredSet[id] = true

		if !currentSet[id] {
			toAdd = append(toAdd, id)
		}
	}

	for _, id := range current {
		if !desiredSet[id] {
			toRemove = append(toRemove, id)
		}
	}

	return toAdd, toRemove
}

// ErrAccessDenied is returned by the orchestrator when the requesting
// user is not a collaborator on the repository being synced.
var ErrAccessDenied = fmt.Errorf("mirror: requesting user is not a repository collaborator")
