package store

import "time"

// Repository is a mirrored remote repository. The primary key is the
// remote id; FullName is "owner/name".
type Repository struct {
	ID             int64
	Owner          string
	Name           string
	FullName       string
	InstallationID int64
	Private        bool
	Syncing        bool
	LastSyncedAt   *time.Time
}

// User is a remote identity. Registered=false marks a shadow record
// created only because a synced entity referenced it. Shadow records are
// enriched, never demoted, once the identity authenticates for real.
type User struct {
	ID         int64
	Login      string
	AvatarURL  string
	Registered bool
}

// Label is a repository label.
type Label struct {
	ID           int64
	RepositoryID int64
	Name         string
	Color        string
	Description  string
}

// Milestone is a repository milestone.
type Milestone struct {
	ID           int64
	RepositoryID int64
	Number       int
	Title        string
	State        string
	DueOn        *time.Time
}

// IssueType is an organization-level issue type.
type IssueType struct {
	ID          int64
	Owner       string
	Name        string
	Description string
	Color       string
}

// Issue unifies issues and pull requests; PullRequest distinguishes them.
// (RepositoryID, Number) is unique. Synced=false means the detail fetch
// (comments, reviews) has not completed yet, so reads must await a fresh
// fetch rather than serve an empty shell.
type Issue struct {
	ID           int64
	RepositoryID int64
	Number       int
	Title        string
	Body         string
	State        string
	PullRequest  bool
	Merged       bool
	HeadRef      string
	HeadSHA      string
	BaseRef      string
	BaseSHA      string
	AuthorID     int64
	MilestoneID  *int64

	CommentCount  int
	ReactionCount int

	Synced   bool
	SyncedAt *time.Time

	// Written only by the out-of-scope analysis step; read by the
	// staleness policy to decide recomputation.
	ResolutionStatus     string
	ResolutionConfidence float64
	ResolutionAnalyzedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID        int64
	IssueID   int64
	AuthorID  int64
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Review states mirrored from the remote tracker.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewDismissed        = "DISMISSED"
)

// Review is a pull request review.
type Review struct {
	ID          int64
	IssueID     int64
	AuthorID    int64
	State       string
	Body        string
	SubmittedAt time.Time
}

// ReviewComment is an inline diff comment on a pull request.
type ReviewComment struct {
	ID        int64
	IssueID   int64
	AuthorID  int64
	Body      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowRun is one CI check run for a head commit. Rows are immutable
// once Conclusion is set; a re-run produces a new row with the same
// HeadSHA and Name but a newer CreatedAt, superseding the old one.
type WorkflowRun struct {
	ID           int64
	RepositoryID int64
	Name         string
	HeadSHA      string
	Status       string
	Conclusion   string
	HTMLURL      string
	CreatedAt    time.Time
}

// Release is a published release, referenced by notifications.
type Release struct {
	ID           int64
	RepositoryID int64
	TagName      string
	Name         string
	AuthorID     int64
	PublishedAt  *time.Time
}

// Subscription holds the six independent notification channels for one
// (user, repository) pair. Absence of a row means not subscribed.
type Subscription struct {
	ID           int64
	UserID       int64
	RepositoryID int64
	Issues       bool
	PullRequests bool
	Releases     bool
	CI           bool
	Mentions     bool
	Activity     bool
}

// Subscription preset names. Any channel combination not matching a preset
// classifies as "custom".
const (
	PresetParticipating = "participating"
	PresetAll           = "all"
	PresetIgnore        = "ignore"
	PresetCustom        = "custom"
)

// channels returns the boolean tuple in canonical order.
func (s *Subscription) channels() [6]bool {
	return [6]bool{s.Issues, s.PullRequests, s.Releases, s.CI, s.Mentions, s.Activity}
}

// Fixed preset tuples in canonical channel order
// (issues, pull requests, releases, ci, mentions, activity).
var presetChannels = map[string][6]bool{
	PresetParticipating: {true, true, true, true, true, false},
	PresetAll:           {true, true, true, true, true, true},
	PresetIgnore:        {false, false, false, false, false, false},
}

// Preset classifies the subscription's channel tuple.
func (s *Subscription) Preset() string {
	got := s.channels()

	for name, want := range presetChannels {
		if got == want {
			return name
		}
	}

	return PresetCustom
}

// DefaultSubscription returns the row created when a user first syncs a
// repository: everything on except the noisy activity channel.
func DefaultSubscription(userID, repositoryID int64) *Subscription {
	return &Subscription{
		UserID:       userID,
		RepositoryID: repositoryID,
		Issues:       true,
		PullRequests: true,
		Releases:     true,
		CI:           true,
		Mentions:     true,
		Activity:     false,
	}
}

// Notification kinds. Each maps to a subscription channel in the
// dispatcher; mention is independent of the subject's channel.
const (
	NotifIssue       = "issue"
	NotifPullRequest = "pull_request"
	NotifRelease     = "release"
	NotifCI          = "ci"
	NotifMention     = "mention"
	NotifActivity    = "activity"
)

// Notification is one per-user record derived from a change event.
// Immutable after creation except for Read/ReadAt.
type Notification struct {
	ID            int64
	UserID        int64
	RepositoryID  int64
	Kind          string
	IssueID       *int64
	ReleaseID     *int64
	WorkflowRunID *int64
	ActorID       int64
	Title         string
	Read          bool
	ReadAt        *time.Time
	CreatedAt     time.Time
}
