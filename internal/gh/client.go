package gh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// pageSize is the per_page value used for all paginated list calls.
// 100 is the GitHub API maximum; fewer round trips per collection.
const pageSize = 100

// Client wraps the go-github client with pagination loops and error
// classification. One Client is created per access token.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates a Client authenticated with the given token. An empty
// token yields an unauthenticated client (60 req/h — fine for tests).
// baseURL overrides the API endpoint for GitHub Enterprise or test servers;
// empty means api.github.com.
func NewClient(token, baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

		ctx := context.Background()
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}

		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)

	if baseURL != "" {
		var err error

		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("gh: setting base URL %s: %w", baseURL, err)
		}
	}

	return &Client{gh: client, logger: logger}, nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("gh: get repository %s/%s: %w", owner, repo, classify(err))
	}

	return r, nil
}

// ListCollaborators fetches all collaborators with push access or higher.
func (c *Client) ListCollaborators(ctx context.Context, owner, repo string) ([]*github.User, error) {
	opts := &github.ListCollaboratorsOptions{
		Permission:  "push",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var all []*github.User

	for {
		users, resp, err := c.gh.Repositories.ListCollaborators(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list collaborators %s/%s: %w", owner, repo, classify(err))
		}

		all = append(all, users...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListLabels fetches all labels defined on the repository.
func (c *Client) ListLabels(ctx context.Context, owner, repo string) ([]*github.Label, error) {
	opts := &github.ListOptions{PerPage: pageSize}

	var all []*github.Label

	for {
		labels, resp, err := c.gh.Issues.ListLabels(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list labels %s/%s: %w", owner, repo, classify(err))
		}

		all = append(all, labels...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListMilestones fetches all milestones (open and closed).
func (c *Client) ListMilestones(ctx context.Context, owner, repo string) ([]*github.Milestone, error) {
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var all []*github.Milestone

	for {
		milestones, resp, err := c.gh.Issues.ListMilestones(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list milestones %s/%s: %w", owner, repo, classify(err))
		}

		all = append(all, milestones...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// IssueType is an organization-level issue type (Task, Bug, Feature, …).
// go-github has no typed binding for this endpoint yet, so the client
// requests it directly.
type IssueType struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// ListOrgIssueTypes fetches the organization's issue types. Returns an
// empty slice (not an error) when the owner is a user account rather than
// an organization, since user-owned repositories have no issue types.
func (c *Client) ListOrgIssueTypes(ctx context.Context, org string) ([]IssueType, error) {
	req, err := c.gh.NewRequest(http.MethodGet, "orgs/"+org+"/issue-types", nil)
	if err != nil {
		return nil, fmt.Errorf("gh: build issue-types request for %s: %w", org, err)
	}

	var types []IssueType

	_, err = c.gh.Do(ctx, req, &types)
	if err != nil {
		classified := classify(err)
		if IsNotFound(classified) {
			c.logger.Debug("owner has no issue types (not an organization)",
				slog.String("owner", org))

			return nil, nil
		}

		return nil, fmt.Errorf("gh: list issue types for %s: %w", org, classified)
	}

	return types, nil
}

// ListIssues fetches all issues and pull requests updated since the given
// time (zero time means everything). GitHub's issues endpoint includes
// pull requests; callers distinguish them via Issue.IsPullRequest.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, since time.Time) ([]*github.Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	if !since.IsZero() {
		opts.Since = since
	}

	var all []*github.Issue

	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list issues %s/%s: %w", owner, repo, classify(err))
		}

		all = append(all, issues...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// GetIssue fetches a single issue or pull request by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("gh: get issue %s/%s#%d: %w", owner, repo, number, classify(err))
	}

	return issue, nil
}

// GetPullRequest fetches pull request details (head/base refs, merged flag)
// that the issues endpoint does not carry.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("gh: get pull request %s/%s#%d: %w", owner, repo, number, classify(err))
	}

	return pr, nil
}

// ListIssueComments fetches all comments on an issue or pull request.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var all []*github.IssueComment

	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list comments %s/%s#%d: %w", owner, repo, number, classify(err))
		}

		all = append(all, comments...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListReviews fetches all reviews on a pull request.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	opts := &github.ListOptions{PerPage: pageSize}

	var all []*github.PullRequestReview

	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list reviews %s/%s#%d: %w", owner, repo, number, classify(err))
		}

		all = append(all, reviews...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListReviewComments fetches all review comments (inline diff comments) on
// a pull request.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, error) {
	opts := &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var all []*github.PullRequestComment

	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list review comments %s/%s#%d: %w", owner, repo, number, classify(err))
		}

		all = append(all, comments...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListWorkflowRuns fetches workflow runs for a head commit SHA.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]*github.WorkflowRun, error) {
	opts := &github.ListWorkflowRunsOptions{
		HeadSHA:     headSHA,
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var all []*github.WorkflowRun

	for {
		runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("gh: list workflow runs %s/%s@%s: %w", owner, repo, headSHA, classify(err))
		}

		all = append(all, runs.WorkflowRuns...)

		if resp.NextPage == 0 {
			return all, nil
		}

		opts.Page = resp.NextPage
	}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
