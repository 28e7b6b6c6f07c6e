package mirror

import (
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/trackmirror/trackmirror/internal/store"
)

// Conversions from go-github wire types to store models. Shared by the
// full-sync path and the webhook handlers so both write identical rows
// for the same remote state.

func convertRepository(r *github.Repository) *store.Repository {
	return &store.Repository{
		ID:       r.GetID(),
		Owner:    r.GetOwner().GetLogin(),
		Name:     r.GetName(),
		FullName: r.GetFullName(),
		Private:  r.GetPrivate(),
	}
}

func convertUser(u *github.User) *store.User {
	if u == nil {
		return nil
	}

	return &store.User{
		ID:        u.GetID(),
		Login:     u.GetLogin(),
		AvatarURL: u.GetAvatarURL(),
	}
}

func convertLabel(l *github.Label, repoID int64) *store.Label {
	return &store.Label{
		ID:           l.GetID(),
		RepositoryID: repoID,
		Name:         l.GetName(),
		Color:        l.GetColor(),
		Description:  l.GetDescription(),
	}
}

func convertMilestone(m *github.Milestone, repoID int64) *store.Milestone {
	var dueOn *time.Time
	if m.DueOn != nil {
		t := m.DueOn.Time
		dueOn = &t
	}

	return &store.Milestone{
		ID:           m.GetID(),
		RepositoryID: repoID,
		Number:       m.GetNumber(),
		Title:        m.GetTitle(),
		State:        m.GetState(),
		DueOn:        dueOn,
	}
}

func convertIssue(i *github.Issue, repoID int64) *store.Issue {
	issue := &store.Issue{
		ID:            i.GetID(),
		RepositoryID:  repoID,
		Number:        i.GetNumber(),
		Title:         i.GetTitle(),
		Body:          i.GetBody(),
		State:         i.GetState(),
		PullRequest:   i.IsPullRequest(),
		AuthorID:      i.GetUser().GetID(),
		CommentCount:  i.GetComments(),
		ReactionCount: i.GetReactions().GetTotalCount(),
		CreatedAt:     i.GetCreatedAt().Time,
		UpdatedAt:     i.GetUpdatedAt().Time,
	}

	if i.Milestone != nil {
		id := i.Milestone.GetID()
		issue.MilestoneID = &id
	}

	if i.ClosedAt != nil {
		t := i.ClosedAt.Time
		issue.ClosedAt = &t
	}

	return issue
}

// convertPullRequest builds the unified issue row straight from a pull
// request object, the shape webhook deliveries carry.
func convertPullRequest(pr *github.PullRequest, repoID int64) *store.Issue {
	issue := &store.Issue{
		ID:            pr.GetID(),
		RepositoryID:  repoID,
		Number:        pr.GetNumber(),
		Title:         pr.GetTitle(),
		Body:          pr.GetBody(),
		State:         pr.GetState(),
		PullRequest:   true,
		AuthorID:      pr.GetUser().GetID(),
		CommentCount:  pr.GetComments(),
		ReactionCount: 0,
		CreatedAt:     pr.GetCreatedAt().Time,
		UpdatedAt:     pr.GetUpdatedAt().Time,
	}

	applyPullRequestDetails(issue, pr)

	if pr.Milestone != nil {
		id := pr.Milestone.GetID()
		issue.MilestoneID = &id
	}

	if pr.ClosedAt != nil {
		t := pr.ClosedAt.Time
		issue.ClosedAt = &t
	}

	return issue
}

// applyPullRequestDetails copies the fields only the pull request endpoint
// carries onto an issue converted from the issues endpoint.
func applyPullRequestDetails(issue *store.Issue, pr *github.PullRequest) {
	issue.Merged = pr.GetMerged()
	issue.HeadRef = pr.GetHead().GetRef()
	issue.HeadSHA = pr.GetHead().GetSHA()
	issue.BaseRef = pr.GetBase().GetRef()
	issue.BaseSHA = pr.GetBase().GetSHA()
}

func convertComment(c *github.IssueComment, issueID int64) *store.Comment {
	return &store.Comment{
		ID:        c.GetID(),
		IssueID:   issueID,
		AuthorID:  c.GetUser().GetID(),
		Body:      c.GetBody(),
		CreatedAt: c.GetCreatedAt().Time,
		UpdatedAt: c.GetUpdatedAt().Time,
	}
}

func convertReview(r *github.PullRequestReview, issueID int64) *store.Review {
	return &store.Review{
		ID:          r.GetID(),
		IssueID:     issueID,
		AuthorID:    r.GetUser().GetID(),
		State:       r.GetState(),
		Body:        r.GetBody(),
		SubmittedAt: r.GetSubmittedAt().Time,
	}
}

func convertReviewComment(rc *github.PullRequestComment, issueID int64) *store.ReviewComment {
	return &store.ReviewComment{
		ID:        rc.GetID(),
		IssueID:   issueID,
		AuthorID:  rc.GetUser().GetID(),
		Body:      rc.GetBody(),
		Path:      rc.GetPath(),
		CreatedAt: rc.GetCreatedAt().Time,
		UpdatedAt: rc.GetUpdatedAt().Time,
	}
}

func convertWorkflowRun(r *github.WorkflowRun, repoID int64) *store.WorkflowRun {
	return &store.WorkflowRun{
		ID:           r.GetID(),
		RepositoryID: repoID,
		Name:         r.GetName(),
		HeadSHA:      r.GetHeadSHA(),
		Status:       r.GetStatus(),
		Conclusion:   r.GetConclusion(),
		HTMLURL:      r.GetHTMLURL(),
		CreatedAt:    r.GetCreatedAt().Time,
	}
}

func convertRelease(r *github.RepositoryRelease, repoID int64) *store.Release {
	var publishedAt *time.Time
	if r.PublishedAt != nil {
		t := r.PublishedAt.Time
		publishedAt = &t
	}

	return &store.Release{
		ID:           r.GetID(),
		RepositoryID: repoID,
		TagName:      r.GetTagName(),
		Name:         r.GetName(),
		AuthorID:     r.GetAuthor().GetID(),
		PublishedAt:  publishedAt,
	}
}
