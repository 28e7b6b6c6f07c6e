package mirror

import (
	"context"
	"fmt"

	"github.com/trackmirror/trackmirror/internal/store"
)

// CheckState is the rolled-up CI verdict for a commit.
type CheckState string

const (
	ChecksNone    CheckState = "none"    // no workflow runs recorded
	ChecksRunning CheckState = "running" // at least one run still executing
	ChecksFailed  CheckState = "failed"  // all finished, at least one failed
	ChecksPassed  CheckState = "passed"  // all finished successfully
)

// CheckSummary is the aggregated CI status for one head commit.
type CheckSummary struct {
	State   CheckState
	Label   string // human-readable, e.g. "3/4 passed" or "2/4 running"
	Passed  int
	Failed  int
	Running int
	Total   int
	// FailureURL links to the newest failing run so the broken job is
	// one click away. Empty unless State is failed.
	FailureURL string
}

// AggregateChecks rolls up the workflow runs for one commit into a
// single verdict.
//
// Workflows re-run against the same commit leave multiple rows per
// workflow name; only the newest run of each name counts. Precedence is
// running over failed over passed: a red check may flip green on a
// retry, so an in-flight run makes the whole set inconclusive.
func AggregateChecks(ctx context.Context, st *store.Store, repoID int64, headSHA string) (*CheckSummary, error) {
	runs, err := st.ListWorkflowRunsBySHA(ctx, repoID, headSHA)
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first, so the first row per name wins.
	latest := make(map[string]*store.WorkflowRun)
	order := make([]string, 0, len(runs))

	for _, r := range runs {
		if _, seen := latest[r.Name]; seen {
			continue
		}

		latest[r.Name] = r
		order = append(order, r.Name)
	}

	summary := &CheckSummary{Total: len(latest)}

	if summary.Total == 0 {
		summary.State = ChecksNone
		summary.Label = "no checks"

		return summary, nil
	}

	for _, name := range order {
		r := latest[name]

		if !runFinished(r) {
			summary.Running++
			continue
		}

		if runSucceeded(r) {
			summary.Passed++
			continue
		}

		summary.Failed++

		if summary.FailureURL == "" {
			summary.FailureURL = r.HTMLURL
		}
	}

	switch {
	case summary.Running > 0:
		summary.State = ChecksRunning
		summary.Label = fmt.Sprintf("%d/%d running", summary.Running, summary.Total)
		summary.FailureURL = ""
	case summary.Failed > 0:
		summary.State = ChecksFailed
		summary.Label = fmt.Sprintf("%d/%d passed", summary.Passed, summary.Total)
	default:
		summary.State = ChecksPassed
		summary.Label = fmt.Sprintf("%d/%d passed", summary.Passed, summary.Total)
	}

	return summary, nil
}

func runFinished(r *store.WorkflowRun) bool {
	return r.Status == "completed"
}

func runSucceeded(r *store.WorkflowRun) bool {
	return r.Conclusion == "success" || r.Conclusion == "skipped" || r.Conclusion == "neutral"
}
