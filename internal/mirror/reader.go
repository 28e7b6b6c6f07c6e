package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/trackmirror/trackmirror/internal/store"
)

// ErrRepositoryNotMirrored is returned for reads against a repository
// that has never been synced. Reads never bootstrap a full sync.
var ErrRepositoryNotMirrored = errors.New("mirror: repository not mirrored")

// IssueView is the assembled read model for one issue: the row, its
// comments, the aggregated CI verdict for pull requests, and whether
// the data was past the staleness window when served.
//
// ResolutionSkipped is set when resolution analysis does not apply
// (open issues and pull requests). ResolutionStale is set when analysis
// applies but the cached result is missing or out of date.
type IssueView struct {
	Issue             *store.Issue
	Comments          []*store.Comment
	Checks            *CheckSummary
	Stale             bool
	ResolutionSkipped bool
	ResolutionStale   bool
}

// Reader serves issue reads through the staleness policy. Fresh data is
// served from the mirror; stale data is served immediately while a
// background refresh runs; missing or half-synced data blocks on a
// remote fetch. Concurrent refreshes of the same issue collapse into
// one remote round trip.
type Reader struct {
	store  *store.Store
	policy *Policy
	rec    *Reconciler
	client RemoteClient
	logger *slog.Logger

	refreshes singleflight.Group
}

func NewReader(st *store.Store, policy *Policy, rec *Reconciler, client RemoteClient, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reader{
		store:  st,
		policy: policy,
		rec:    rec,
		client: client,
		logger: logger,
	}
}

// GetIssue returns the read model for one issue, refreshing from the
// remote as the staleness policy dictates.
func (r *Reader) GetIssue(ctx context.Context, owner, repo string, number int) (*IssueView, error) {
	repository, err := r.store.GetRepositoryByFullName(ctx, owner+"/"+repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRepositoryNotMirrored
		}

		return nil, err
	}

	decision, err := r.policy.ForIssue(ctx, repository.ID, number)
	if err != nil {
		return nil, err
	}

	issue := decision.Issue

	switch decision.Decision {
	case AwaitFresh:
		issue, err = r.refreshIssue(ctx, repository.ID, owner, repo, number)
		if err != nil {
			return nil, err
		}

	case RefreshAsync:
		go func() {
			bgCtx := context.Background()

			if _, err := r.refreshIssue(bgCtx, repository.ID, owner, repo, number); err != nil {
				r.logger.Warn("background issue refresh failed",
					slog.String("repo", owner+"/"+repo),
					slog.Int("number", number),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	return r.assembleView(ctx, issue, decision.Decision == RefreshAsync)
}

// refreshIssue fetches one issue and its details from the remote and
// applies them through the reconciler. Collapsed per issue via
// singleflight so a burst of stale reads costs one round trip.
func (r *Reader) refreshIssue(ctx context.Context, repoID int64, owner, repo string, number int) (*store.Issue, error) {
	key := fmt.Sprintf("%d/%d", repoID, number)

	v, err, _ := r.refreshes.Do(key, func() (any, error) {
		return r.fetchIssue(ctx, repoID, owner, repo, number)
	})
	if err != nil {
		return nil, err
	}

	return v.(*store.Issue), nil
}

func (r *Reader) fetchIssue(ctx context.Context, repoID int64, owner, repo string, number int) (*store.Issue, error) {
	ghIssue, err := r.client.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	issue, err := r.rec.ApplyIssue(ctx, repoID, ghIssue)
	if err != nil {
		return nil, err
	}

	if issue.PullRequest {
		pr, err := r.client.GetPullRequest(ctx, owner, repo, number)
		if err != nil {
			return nil, err
		}

		if err := r.rec.ApplyPullRequestDetails(ctx, issue, pr); err != nil {
			return nil, err
		}

		reviews, err := r.client.ListReviews(ctx, owner, repo, number)
		if err != nil {
			return nil, err
		}

		for _, rev := range reviews {
			if err := r.rec.ApplyReview(ctx, issue.ID, rev); err != nil {
				return nil, err
			}
		}

		if issue.HeadSHA != "" {
			runs, err := r.client.ListWorkflowRuns(ctx, owner, repo, issue.HeadSHA)
			if err != nil {
				return nil, err
			}

			for _, wr := range runs {
				if err := r.rec.ApplyWorkflowRun(ctx, repoID, wr); err != nil {
					return nil, err
				}
			}
		}
	}

	comments, err := r.client.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	for _, c := range comments {
		if err := r.rec.ApplyComment(ctx, issue.ID, c); err != nil {
			return nil, err
		}
	}

	if err := r.store.MarkIssueSynced(ctx, issue.ID, r.policy.nowFunc().UTC()); err != nil {
		return nil, err
	}

	return r.store.GetIssue(ctx, issue.ID)
}

func (r *Reader) assembleView(ctx context.Context, issue *store.Issue, stale bool) (*IssueView, error) {
	comments, err := r.store.ListComments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	view := &IssueView{
		Issue:    issue,
		Comments: comments,
		Stale:    stale,
	}

	if ResolutionApplies(issue) {
		view.ResolutionStale, err = r.policy.NeedsResolutionAnalysis(ctx, issue)
		if err != nil {
			return nil, err
		}
	} else {
		view.ResolutionSkipped = true
	}

	if issue.PullRequest && issue.HeadSHA != "" {
		view.Checks, err = AggregateChecks(ctx, r.store, issue.RepositoryID, issue.HeadSHA)
		if err != nil {
			return nil, err
		}
	}

	return view, nil
}
