// Package webhook ingests remote webhook deliveries and converges the
// mirror incrementally between full syncs. Every handler reuses the same
// reconciler writes as the sync path, so a delivery replayed after a
// sync (or vice versa) lands on identical rows.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v57/github"

	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
)

var (
	// ErrBadSignature means the HMAC signature did not verify. The
	// payload is untrusted and must not be parsed.
	ErrBadSignature = errors.New("webhook: signature verification failed")

	// ErrMalformedPayload means the signature verified but the body did
	// not parse as the declared event type.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

type handlerFunc func(ctx context.Context, event any) error

// Pipeline validates, deduplicates, and applies webhook deliveries.
type Pipeline struct {
	store      *store.Store
	rec        *mirror.Reconciler
	dispatcher *mirror.Dispatcher
	secret     []byte
	logger     *slog.Logger

	handlers map[string]handlerFunc
}

// NewPipeline creates a Pipeline. secret is the shared HMAC key
// configured on the remote webhook.
func NewPipeline(st *store.Store, rec *mirror.Reconciler, dispatcher *mirror.Dispatcher, secret []byte, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		store:      st,
		rec:        rec,
		dispatcher: dispatcher,
		secret:     secret,
		logger:     logger,
	}

	// One handler per supported event type. Unlisted types are
	// acknowledged and dropped.
	p.handlers = map[string]handlerFunc{
		"issues":                      p.handleIssues,
		"pull_request":                p.handlePullRequest,
		"issue_comment":               p.handleIssueComment,
		"pull_request_review":         p.handleReview,
		"pull_request_review_comment": p.handleReviewComment,
		"label":                       p.handleLabel,
		"milestone":                   p.handleMilestone,
		"repository":                  p.handleRepository,
		"workflow_run":                p.handleWorkflowRun,
		"release":                     p.handleRelease,
	}

	return p
}

// Ingest processes one raw delivery. Signature verification comes first,
// before any parsing: an unauthenticated body is never deserialized.
// Redeliveries (same delivery id) and events for repositories not
// mirrored locally are acknowledged without effect.
func (p *Pipeline) Ingest(ctx context.Context, eventType, deliveryID, signature string, body []byte) error {
	if err := github.ValidateSignature(signature, body, p.secret); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if deliveryID != "" {
		fresh, err := p.store.RecordDelivery(ctx, deliveryID, eventType)
		if err != nil {
			return err
		}

		if !fresh {
			p.logger.Debug("duplicate delivery ignored",
				slog.String("delivery_id", deliveryID),
				slog.String("event", eventType),
			)

			return nil
		}
	}

	event, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	handler, ok := p.handlers[eventType]
	if !ok {
		p.logger.Debug("unsupported event type ignored", slog.String("event", eventType))
		return nil
	}

	p.logger.Debug("processing delivery",
		slog.String("event", eventType),
		slog.String("delivery_id", deliveryID),
	)

	return handler(ctx, event)
}

// mirroredRepo resolves the local repository row for a delivery. A nil
// row (no error) means the repository is not mirrored and the delivery
// should be dropped.
func (p *Pipeline) mirroredRepo(ctx context.Context, ghRepo *github.Repository) (*store.Repository, error) {
	repo, err := p.store.GetRepository(ctx, ghRepo.GetID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Debug("delivery for unmirrored repository dropped",
				slog.String("repo", ghRepo.GetFullName()),
			)

			return nil, nil
		}

		return nil, err
	}

	return repo, nil
}

func (p *Pipeline) handleIssues(ctx context.Context, event any) error {
	ev := event.(*github.IssuesEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	switch ev.GetAction() {
	case "deleted", "transferred":
		issue, err := p.store.GetIssueByNumber(ctx, repo.ID, ev.GetIssue().GetNumber())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}

			return err
		}

		return p.store.DeleteIssue(ctx, issue.ID)
	}

	issue, err := p.rec.ApplyIssue(ctx, repo.ID, ev.GetIssue())
	if err != nil {
		return err
	}

	return p.dispatchIssueChange(ctx, repo.ID, issue, ev.GetAction(), ev.GetSender())
}

func (p *Pipeline) handlePullRequest(ctx context.Context, event any) error {
	ev := event.(*github.PullRequestEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	issue, err := p.rec.ApplyPullRequest(ctx, repo.ID, ev.GetPullRequest())
	if err != nil {
		return err
	}

	return p.dispatchIssueChange(ctx, repo.ID, issue, ev.GetAction(), ev.GetSender())
}

// dispatchIssueChange fans out notifications for state-changing actions,
// assignment, and review requests. Metadata churn (labels, edits) stays
// silent.
func (p *Pipeline) dispatchIssueChange(ctx context.Context, repoID int64, issue *store.Issue, action string, sender *github.User) error {
	switch action {
	case "opened", "closed", "reopened", "ready_for_review", "assigned", "review_requested":
	default:
		return nil
	}

	actorID, err := p.rec.EnsureUser(ctx, sender)
	if err != nil {
		return err
	}

	kind := store.NotifIssue
	noun := "Issue"

	if issue.PullRequest {
		kind = store.NotifPullRequest
		noun = "Pull request"
	}

	_, err = p.dispatcher.Dispatch(ctx, &mirror.Event{
		Kind:         kind,
		RepositoryID: repoID,
		ActorID:      actorID,
		Title:        fmt.Sprintf("%s #%d %s: %s", noun, issue.Number, action, issue.Title),
		Body:         issue.Body,
		IssueID:      &issue.ID,
	})

	return err
}

func (p *Pipeline) handleIssueComment(ctx context.Context, event any) error {
	ev := event.(*github.IssueCommentEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	if ev.GetAction() == "deleted" {
		return p.store.DeleteComment(ctx, ev.GetComment().GetID())
	}

	// The embedded issue snapshot is current; apply it so the comment's
	// parent row exists and comment counters stay in step.
	issue, err := p.rec.ApplyIssue(ctx, repo.ID, ev.GetIssue())
	if err != nil {
		return err
	}

	if err := p.rec.ApplyComment(ctx, issue.ID, ev.GetComment()); err != nil {
		return err
	}

	if ev.GetAction() != "created" {
		return nil
	}

	actorID, err := p.rec.EnsureUser(ctx, ev.GetSender())
	if err != nil {
		return err
	}

	_, err = p.dispatcher.Dispatch(ctx, &mirror.Event{
		Kind:         store.NotifActivity,
		RepositoryID: repo.ID,
		ActorID:      actorID,
		Title:        fmt.Sprintf("New comment on #%d: %s", issue.Number, issue.Title),
		Body:         ev.GetComment().GetBody(),
		IssueID:      &issue.ID,
	})

	return err
}

func (p *Pipeline) handleReview(ctx context.Context, event any) error {
	ev := event.(*github.PullRequestReviewEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	issue, err := p.rec.ApplyPullRequest(ctx, repo.ID, ev.GetPullRequest())
	if err != nil {
		return err
	}

	if err := p.rec.ApplyReview(ctx, issue.ID, ev.GetReview()); err != nil {
		return err
	}

	if ev.GetAction() != "submitted" {
		return nil
	}

	actorID, err := p.rec.EnsureUser(ctx, ev.GetSender())
	if err != nil {
		return err
	}

	_, err = p.dispatcher.Dispatch(ctx, &mirror.Event{
		Kind:         store.NotifActivity,
		RepositoryID: repo.ID,
		ActorID:      actorID,
		Title:        fmt.Sprintf("Review %s on #%d: %s", ev.GetReview().GetState(), issue.Number, issue.Title),
		Body:         ev.GetReview().GetBody(),
		IssueID:      &issue.ID,
	})

	return err
}

func (p *Pipeline) handleReviewComment(ctx context.Context, event any) error {
	ev := event.(*github.PullRequestReviewCommentEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	issue, err := p.rec.ApplyPullRequest(ctx, repo.ID, ev.GetPullRequest())
	if err != nil {
		return err
	}

	return p.rec.ApplyReviewComment(ctx, issue.ID, ev.GetComment())
}

func (p *Pipeline) handleLabel(ctx context.Context, event any) error {
	ev := event.(*github.LabelEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	if ev.GetAction() == "deleted" {
		return p.store.DeleteLabel(ctx, ev.GetLabel().GetID())
	}

	return p.rec.ApplyLabel(ctx, repo.ID, ev.GetLabel())
}

func (p *Pipeline) handleMilestone(ctx context.Context, event any) error {
	ev := event.(*github.MilestoneEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	if ev.GetAction() == "deleted" {
		return p.store.DeleteMilestone(ctx, ev.GetMilestone().GetID())
	}

	return p.rec.ApplyMilestone(ctx, repo.ID, ev.GetMilestone())
}

func (p *Pipeline) handleRepository(ctx context.Context, event any) error {
	ev := event.(*github.RepositoryEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	switch ev.GetAction() {
	case "deleted", "transferred":
		// The mirror no longer corresponds to anything reachable; drop
		// it wholesale, cascading to every dependent row.
		p.logger.Info("removing mirrored repository",
			slog.String("repo", repo.FullName),
			slog.String("action", ev.GetAction()),
		)

		return p.store.DeleteRepository(ctx, repo.ID)
	default:
		_, err := p.rec.ApplyRepository(ctx, ev.GetRepo())
		return err
	}
}

func (p *Pipeline) handleWorkflowRun(ctx context.Context, event any) error {
	ev := event.(*github.WorkflowRunEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	run := ev.GetWorkflowRun()

	if err := p.rec.ApplyWorkflowRun(ctx, repo.ID, run); err != nil {
		return err
	}

	if ev.GetAction() != "completed" {
		return nil
	}

	runID := run.GetID()

	_, err = p.dispatcher.Dispatch(ctx, &mirror.Event{
		Kind:          store.NotifCI,
		RepositoryID:  repo.ID,
		Title:         fmt.Sprintf("Workflow %s %s on %s", run.GetName(), run.GetConclusion(), run.GetHeadBranch()),
		WorkflowRunID: &runID,
	})

	return err
}

func (p *Pipeline) handleRelease(ctx context.Context, event any) error {
	ev := event.(*github.ReleaseEvent)

	repo, err := p.mirroredRepo(ctx, ev.GetRepo())
	if err != nil || repo == nil {
		return err
	}

	if ev.GetAction() != "published" {
		return nil
	}

	release, err := p.rec.ApplyRelease(ctx, repo.ID, ev.GetRelease())
	if err != nil {
		return err
	}

	actorID, err := p.rec.EnsureUser(ctx, ev.GetSender())
	if err != nil {
		return err
	}

	_, err = p.dispatcher.Dispatch(ctx, &mirror.Event{
		Kind:         store.NotifRelease,
		RepositoryID: repo.ID,
		ActorID:      actorID,
		Title:        fmt.Sprintf("Release %s published", release.TagName),
		ReleaseID:    &release.ID,
	})

	return err
}
