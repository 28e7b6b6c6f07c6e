package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trackmirror/trackmirror/internal/store"
)

// Decision is the outcome of a staleness check for a read.
type Decision int

const (
	// ServeCached returns local data without touching the remote.
	ServeCached Decision = iota
	// RefreshAsync returns local data immediately and refreshes in the
	// background.
	RefreshAsync
	// AwaitFresh blocks the read until a remote fetch completes. Used
	// when local data is absent or unusable.
	AwaitFresh
)

func (d Decision) String() string {
	switch d {
	case ServeCached:
		return "serve-cached"
	case RefreshAsync:
		return "refresh-async"
	case AwaitFresh:
		return "await-fresh"
	default:
		return "unknown"
	}
}

// Policy decides, for each read, whether cached mirror data is fresh
// enough to serve. Both windows are configurable and may be updated at
// runtime by a config reload; clock injection keeps the decisions
// testable.
type Policy struct {
	store   *store.Store
	logger  *slog.Logger
	nowFunc func() time.Time

	mu              sync.RWMutex
	stalenessWindow time.Duration
	analysisWindow  time.Duration
}

// UpdateWindows swaps both windows. Safe to call while reads are in
// flight.
func (p *Policy) UpdateWindows(staleness, analysis time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stalenessWindow = staleness
	p.analysisWindow = analysis
}

func (p *Policy) windows() (staleness, analysis time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.stalenessWindow, p.analysisWindow
}

// NewPolicy creates a Policy with the given windows.
func NewPolicy(st *store.Store, stalenessWindow, analysisWindow time.Duration, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	return &Policy{
		store:           st,
		stalenessWindow: stalenessWindow,
		analysisWindow:  analysisWindow,
		logger:          logger,
		nowFunc:         time.Now,
	}
}

// IssueDecision captures a read decision together with the issue row it
// was made from, so callers do not re-query.
type IssueDecision struct {
	Decision Decision
	Issue    *store.Issue // nil when Decision is AwaitFresh with no local row
}

// ForIssue decides how to serve a read of one issue.
//
// No local row, or a row whose detail fetch never completed, forces a
// blocking fetch. A row synced within the staleness window is served as
// is. Anything older is served immediately while a background refresh
// runs; reads never block on data that exists, only on data that is
// missing or incomplete.
func (p *Policy) ForIssue(ctx context.Context, repoID int64, number int) (*IssueDecision, error) {
	issue, err := p.store.GetIssueByNumber(ctx, repoID, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &IssueDecision{Decision: AwaitFresh}, nil
		}

		return nil, err
	}

	if !issue.Synced || issue.SyncedAt == nil {
		return &IssueDecision{Decision: AwaitFresh, Issue: issue}, nil
	}

	stalenessWindow, _ := p.windows()

	age := p.nowFunc().Sub(*issue.SyncedAt)
	if age <= stalenessWindow {
		return &IssueDecision{Decision: ServeCached, Issue: issue}, nil
	}

	p.logger.Debug("issue stale, scheduling refresh",
		slog.Int64("issue", issue.ID),
		slog.Duration("age", age),
	)

	return &IssueDecision{Decision: RefreshAsync, Issue: issue}, nil
}

// ResolutionApplies reports whether resolution analysis applies to the
// issue at all. Open issues and pull requests are never analyzed; reads
// of those report the analysis as skipped.
func ResolutionApplies(issue *store.Issue) bool {
	return !issue.PullRequest && issue.State == "closed"
}

// NeedsResolutionAnalysis reports whether the cached resolution analysis
// for a closed issue must be recomputed.
//
// The cache is valid only while three conditions hold: an analysis
// exists, it is younger than the analysis window, and no comment has
// arrived since it ran.
func (p *Policy) NeedsResolutionAnalysis(ctx context.Context, issue *store.Issue) (bool, error) {
	if !ResolutionApplies(issue) {
		return false, nil
	}

	if issue.ResolutionAnalyzedAt == nil {
		return true, nil
	}

	_, analysisWindow := p.windows()

	if p.nowFunc().Sub(*issue.ResolutionAnalyzedAt) > analysisWindow {
		return true, nil
	}

	latest, err := p.store.LatestCommentTime(ctx, issue.ID)
	if err != nil {
		return false, err
	}

	// A comment newer than the analysis invalidates it even inside the
	// window: the discussion may have changed the outcome.
	return latest.After(*issue.ResolutionAnalyzedAt), nil
}
