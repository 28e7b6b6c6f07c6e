package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trackmirror/trackmirror/internal/gh"
	"github.com/trackmirror/trackmirror/internal/store"
)

// ErrAlreadySyncing is returned when a full sync is requested for a
// repository whose syncing flag is already held by another run.
var ErrAlreadySyncing = errors.New("mirror: repository sync already in progress")

// Retry tuning for individual sync steps. A failed step is retried in
// place — never the whole pipeline, which would redo completed steps.
const (
	maxStepRetries  = 3
	stepRetryDelay  = 2 * time.Second
	maxRateWaitTime = 15 * time.Minute
)

// RemoteClient is the slice of the GitHub API surface the orchestrator
// needs. Satisfied by *gh.Client; tests inject mocks.
type RemoteClient interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
	ListCollaborators(ctx context.Context, owner, repo string) ([]*github.User, error)
	ListLabels(ctx context.Context, owner, repo string) ([]*github.Label, error)
	ListMilestones(ctx context.Context, owner, repo string) ([]*github.Milestone, error)
	ListOrgIssueTypes(ctx context.Context, org string) ([]gh.IssueType, error)
	ListIssues(ctx context.Context, owner, repo string, since time.Time) ([]*github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error)
	ListWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]*github.WorkflowRun, error)
}

// clientFactory creates a RemoteClient from an access token. The real
// implementation calls gh.NewClient; tests inject stubs.
type clientFactory func(token string) (RemoteClient, error)

// SyncSummary reports the outcome of one full repository sync.
type SyncSummary struct {
	RunID         string
	Repository    string
	Issues        int
	PullRequests  int
	Comments      int
	Reviews       int
	Labels        int
	Milestones    int
	Collaborators int
	Skipped       int // entities logged and skipped after per-entity failures
	Duration      time.Duration
}

// TriggerResult is the immediate response to an async sync request.
// Callers poll repository state to detect completion.
type TriggerResult struct {
	Started          bool
	AlreadySyncing   bool
	PreviousSyncedAt *time.Time
}

// Orchestrator sequences full-repository syncs as an ordered pipeline of
// idempotent, independently retryable steps. Every write is an upsert
// keyed by remote id, so re-running any step after a crash cannot
// double-insert or corrupt state.
type Orchestrator struct {
	store         *store.Store
	rec           *Reconciler
	logger        *slog.Logger
	detailWorkers int

	newClient clientFactory
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
	ensureSub func(ctx context.Context, userID, repoID int64) error
}

// NewOrchestrator creates an Orchestrator with the real client factory.
// Tests override the function fields after construction.
func NewOrchestrator(st *store.Store, rec *Reconciler, baseURL string, detailWorkers int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	if detailWorkers < 1 {
		detailWorkers = 1
	}

	return &Orchestrator{
		store:         st,
		rec:           rec,
		logger:        logger,
		detailWorkers: detailWorkers,
		newClient: func(token string) (RemoteClient, error) {
			return gh.NewClient(token, baseURL, nil, logger)
		},
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
		ensureSub: st.EnsureSubscription,
	}
}

// syncRun carries the per-run state threaded through the steps.
type syncRun struct {
	client         RemoteClient
	owner, repo    string
	requestingUser int64
	repoID         int64
	summary        *SyncSummary
}

// syncStep is one named stage of the pipeline.
type syncStep struct {
	name string
	fn   func(ctx context.Context, run *syncRun) error
}

// StartSync triggers a full sync on a background goroutine and returns
// immediately. A repository already syncing is reported, not re-synced.
func (o *Orchestrator) StartSync(ctx context.Context, accessToken, owner, repo string, requestingUser int64) (*TriggerResult, error) {
	result := &TriggerResult{}

	existing, err := o.store.GetRepositoryByFullName(ctx, owner+"/"+repo)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		result.PreviousSyncedAt = existing.LastSyncedAt

		if existing.Syncing {
			result.AlreadySyncing = true
			return result, nil
		}
	}

	result.Started = true

	go func() {
		// Detach from the request context: the sync outlives the trigger.
		runCtx := context.Background()

		if _, err := o.SyncRepository(runCtx, accessToken, owner, repo, requestingUser); err != nil {
			if errors.Is(err, ErrAlreadySyncing) {
				return // lost the race to another trigger; nothing to do
			}

			o.logger.Error("background sync failed",
				slog.String("repo", owner+"/"+repo),
				slog.String("error", err.Error()),
			)
		}
	}()

	return result, nil
}

// SyncRepository runs the full ordered sync pipeline:
//
//  1. fetch and upsert repository metadata, acquiring the syncing flag
//  2. fetch and upsert collaborators
//  3. verify the requesting user is among them
//  4. labels
//  5. milestones
//  6. organization issue types
//  7. all issues and pull requests with their details (the long step)
//  8. stamp lastSyncedAt, release the syncing flag
//  9. ensure a default subscription row for the requesting user
//
// Whatever happens after step 1, the syncing flag is released in a
// deferred guard — a failed sync never leaves the repository stuck.
// Partial progress from completed steps is retained, not rolled back.
func (o *Orchestrator) SyncRepository(ctx context.Context, accessToken, owner, repo string, requestingUser int64) (*SyncSummary, error) {
	started := o.nowFunc()
	fullName := owner + "/" + repo

	summary := &SyncSummary{
		RunID:      uuid.NewString(),
		Repository: fullName,
	}

	logger := o.logger.With(
		slog.String("repo", fullName),
		slog.String("run_id", summary.RunID),
	)

	client, err := o.newClient(accessToken)
	if err != nil {
		return nil, fmt.Errorf("mirror: creating remote client: %w", err)
	}

	run := &syncRun{
		client:         client,
		owner:          owner,
		repo:           repo,
		requestingUser: requestingUser,
		summary:        summary,
	}

	// Step 1 runs before the guard exists: it creates the repository row
	// and acquires the syncing flag.
	if err := o.runStep(ctx, logger, run, syncStep{"repository", o.stepRepository}); err != nil {
		return nil, err
	}

	var succeeded bool

	defer func() {
		// Unconditional release. On success lastSyncedAt is stamped; on
		// failure the previous stamp is preserved for staleness decisions.
		var syncedAt *time.Time

		if succeeded {
			t := o.nowFunc().UTC()
			syncedAt = &t
		}

		if err := o.store.FinishSync(context.WithoutCancel(ctx), run.repoID, syncedAt); err != nil {
			logger.Error("releasing syncing flag failed", slog.String("error", err.Error()))
		}
	}()

	steps := []syncStep{
		{"collaborators", o.stepCollaborators},
		{"verify-access", o.stepVerifyAccess},
		{"labels", o.stepLabels},
		{"milestones", o.stepMilestones},
		{"issue-types", o.stepIssueTypes},
		{"issues", o.stepIssues},
	}

	for _, step := range steps {
		if err := o.runStep(ctx, logger, run, step); err != nil {
			return nil, err
		}
	}

	// The mirror itself is complete at this point; lastSyncedAt gets
	// stamped even if the default subscription below cannot be written.
	succeeded = true

	if err := o.runStep(ctx, logger, run, syncStep{"subscription", o.stepEnsureSubscription}); err != nil {
		logger.Warn("default subscription not created", slog.String("error", err.Error()))
	}

	summary.Duration = o.nowFunc().Sub(started)

	logger.Info("repository sync complete",
		slog.Int("issues", summary.Issues),
		slog.Int("pull_requests", summary.PullRequests),
		slog.Int("comments", summary.Comments),
		slog.Int("skipped", summary.Skipped),
		slog.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// runStep executes one step, retrying transient remote failures in place.
// Terminal errors (auth, access) propagate immediately.
func (o *Orchestrator) runStep(ctx context.Context, logger *slog.Logger, run *syncRun, step syncStep) error {
	var lastErr error

	for attempt := 0; attempt < maxStepRetries; attempt++ {
		if attempt > 0 {
			delay := o.retryDelay(lastErr, attempt)
			logger.Warn("retrying sync step",
				slog.String("step", step.name),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)

			if err := o.sleepFunc(ctx, delay); err != nil {
				return err
			}
		}

		err := step.fn(ctx, run)
		if err == nil {
			logger.Debug("sync step complete", slog.String("step", step.name))
			return nil
		}

		if !gh.IsRetryable(err) {
			return fmt.Errorf("mirror: sync step %s: %w", step.name, err)
		}

		lastErr = err
	}

	return fmt.Errorf("mirror: sync step %s failed after %d attempts: %w", step.name, maxStepRetries, lastErr)
}

// retryDelay honors a rate-limit reset time when present, capped so a
// distant reset cannot stall the pipeline for hours.
func (o *Orchestrator) retryDelay(err error, attempt int) time.Duration {
	var remoteErr *gh.RemoteError
	if errors.As(err, &remoteErr) && !remoteErr.ResetAt.IsZero() {
		wait := remoteErr.ResetAt.Sub(o.nowFunc())
		if wait > 0 {
			if wait > maxRateWaitTime {
				wait = maxRateWaitTime
			}

			return wait
		}
	}

	return stepRetryDelay * time.Duration(attempt)
}

// --- pipeline steps ---

func (o *Orchestrator) stepRepository(ctx context.Context, run *syncRun) error {
	ghRepo, err := run.client.GetRepository(ctx, run.owner, run.repo)
	if err != nil {
		return err
	}

	converted := convertRepository(ghRepo)
	if err := o.store.UpsertRepository(ctx, converted); err != nil {
		return err
	}

	run.repoID = converted.ID

	acquired, err := o.store.TryBeginSync(ctx, run.repoID)
	if err != nil {
		return err
	}

	if !acquired {
		return ErrAlreadySyncing
	}

	return nil
}

func (o *Orchestrator) stepCollaborators(ctx context.Context, run *syncRun) error {
	users, err := run.client.ListCollaborators(ctx, run.owner, run.repo)
	if err != nil {
		return err
	}

	if err := o.rec.ReconcileCollaborators(ctx, run.repoID, users); err != nil {
		return err
	}

	run.summary.Collaborators = len(users)

	return nil
}

// stepVerifyAccess must follow stepCollaborators: a first-time sync has
// no collaborator rows to check until they are fetched.
func (o *Orchestrator) stepVerifyAccess(ctx context.Context, run *syncRun) error {
	ok, err := o.store.IsCollaborator(ctx, run.repoID, run.requestingUser)
	if err != nil {
		return err
	}

	if !ok {
		return ErrAccessDenied
	}

	return nil
}

func (o *Orchestrator) stepLabels(ctx context.Context, run *syncRun) error {
	labels, err := run.client.ListLabels(ctx, run.owner, run.repo)
	if err != nil {
		return err
	}

	for _, l := range labels {
		if err := o.store.UpsertLabel(ctx, convertLabel(l, run.repoID)); err != nil {
			// Partial-entity failure: skip and continue with the rest.
			o.logger.Warn("skipping label",
				slog.String("label", l.GetName()),
				slog.String("error", err.Error()),
			)

			run.summary.Skipped++

			continue
		}

		run.summary.Labels++
	}

	return nil
}

func (o *Orchestrator) stepMilestones(ctx context.Context, run *syncRun) error {
	milestones, err := run.client.ListMilestones(ctx, run.owner, run.repo)
	if err != nil {
		return err
	}

	for _, m := range milestones {
		if err := o.store.UpsertMilestone(ctx, convertMilestone(m, run.repoID)); err != nil {
			o.logger.Warn("skipping milestone",
				slog.String("milestone", m.GetTitle()),
				slog.String("error", err.Error()),
			)

			run.summary.Skipped++

			continue
		}

		run.summary.Milestones++
	}

	return nil
}

func (o *Orchestrator) stepIssueTypes(ctx context.Context, run *syncRun) error {
	types, err := run.client.ListOrgIssueTypes(ctx, run.owner)
	if err != nil {
		return err
	}

	for _, t := range types {
		converted := &store.IssueType{
			ID:          t.ID,
			Owner:       run.owner,
			Name:        t.Name,
			Description: t.Description,
			Color:       t.Color,
		}

		if err := o.store.UpsertIssueType(ctx, converted); err != nil {
			o.logger.Warn("skipping issue type",
				slog.String("type", t.Name),
				slog.String("error", err.Error()),
			)

			run.summary.Skipped++
		}
	}

	return nil
}

// stepIssues is the long-running step: every issue and pull request plus
// its comments, reviews, and relations, fanned across a worker pool.
func (o *Orchestrator) stepIssues(ctx context.Context, run *syncRun) error {
	issues, err := run.client.ListIssues(ctx, run.owner, run.repo, time.Time{})
	if err != nil {
		return err
	}

	o.logger.Info("fetching issue details",
		slog.String("repo", run.summary.Repository),
		slog.Int("issues", len(issues)),
		slog.Int("workers", o.detailWorkers),
	)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.detailWorkers)

	for _, ghIssue := range issues {
		g.Go(func() error {
			counts, err := o.processIssue(gctx, run, ghIssue)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				// Transient remote failures abort the step so it can be
				// retried as a whole; anything else is a per-entity skip.
				if gh.IsRetryable(err) || gctx.Err() != nil {
					return err
				}

				o.logger.Warn("skipping issue",
					slog.Int("number", ghIssue.GetNumber()),
					slog.String("error", err.Error()),
				)

				run.summary.Skipped++

				return nil
			}

			if ghIssue.IsPullRequest() {
				run.summary.PullRequests++
			} else {
				run.summary.Issues++
			}

			run.summary.Comments += counts.comments
			run.summary.Reviews += counts.reviews

			return nil
		})
	}

	return g.Wait()
}

type issueCounts struct {
	comments int
	reviews  int
}

// processIssue applies one issue snapshot and everything hanging off it.
func (o *Orchestrator) processIssue(ctx context.Context, run *syncRun, ghIssue *github.Issue) (issueCounts, error) {
	var counts issueCounts

	issue, err := o.rec.ApplyIssue(ctx, run.repoID, ghIssue)
	if err != nil {
		return counts, err
	}

	if issue.PullRequest {
		pr, err := run.client.GetPullRequest(ctx, run.owner, run.repo, issue.Number)
		if err != nil {
			return counts, err
		}

		if err := o.rec.ApplyPullRequestDetails(ctx, issue, pr); err != nil {
			return counts, err
		}

		reviews, err := run.client.ListReviews(ctx, run.owner, run.repo, issue.Number)
		if err != nil {
			return counts, err
		}

		for _, rev := range reviews {
			if err := o.rec.ApplyReview(ctx, issue.ID, rev); err != nil {
				return counts, err
			}
		}

		counts.reviews = len(reviews)

		reviewComments, err := run.client.ListReviewComments(ctx, run.owner, run.repo, issue.Number)
		if err != nil {
			return counts, err
		}

		for _, rc := range reviewComments {
			if err := o.rec.ApplyReviewComment(ctx, issue.ID, rc); err != nil {
				return counts, err
			}
		}

		if issue.HeadSHA != "" {
			runs, err := run.client.ListWorkflowRuns(ctx, run.owner, run.repo, issue.HeadSHA)
			if err != nil {
				return counts, err
			}

			for _, wr := range runs {
				if err := o.rec.ApplyWorkflowRun(ctx, run.repoID, wr); err != nil {
					return counts, err
				}
			}
		}
	}

	comments, err := run.client.ListIssueComments(ctx, run.owner, run.repo, issue.Number)
	if err != nil {
		return counts, err
	}

	for _, c := range comments {
		if err := o.rec.ApplyComment(ctx, issue.ID, c); err != nil {
			return counts, err
		}
	}

	counts.comments = len(comments)

	return counts, o.store.MarkIssueSynced(ctx, issue.ID, o.nowFunc().UTC())
}

func (o *Orchestrator) stepEnsureSubscription(ctx context.Context, run *syncRun) error {
	return o.ensureSub(ctx, run.requestingUser, run.repoID)
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
