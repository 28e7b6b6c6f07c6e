package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlUpsertIssue = `INSERT INTO issues
		(id, repository_id, number, title, body, state, pull_request, merged,
		 head_ref, head_sha, base_ref, base_sha, author_id, milestone_id,
		 comment_count, reaction_count, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 title = excluded.title,
		 body = excluded.body,
		 state = excluded.state,
		 pull_request = excluded.pull_request,
		 merged = CASE WHEN excluded.head_sha = '' THEN issues.merged ELSE excluded.merged END,
		 head_ref = CASE WHEN excluded.head_sha = '' THEN issues.head_ref ELSE excluded.head_ref END,
		 head_sha = CASE WHEN excluded.head_sha = '' THEN issues.head_sha ELSE excluded.head_sha END,
		 base_ref = CASE WHEN excluded.head_sha = '' THEN issues.base_ref ELSE excluded.base_ref END,
		 base_sha = CASE WHEN excluded.head_sha = '' THEN issues.base_sha ELSE excluded.base_sha END,
		 author_id = excluded.author_id,
		 milestone_id = excluded.milestone_id,
		 comment_count = excluded.comment_count,
		 reaction_count = excluded.reaction_count,
		 updated_at = excluded.updated_at,
		 closed_at = excluded.closed_at
		ON CONFLICT(repository_id, number) DO UPDATE SET
		 title = excluded.title,
		 body = excluded.body,
		 state = excluded.state,
		 pull_request = excluded.pull_request,
		 merged = CASE WHEN excluded.head_sha = '' THEN issues.merged ELSE excluded.merged END,
		 head_ref = CASE WHEN excluded.head_sha = '' THEN issues.head_ref ELSE excluded.head_ref END,
		 head_sha = CASE WHEN excluded.head_sha = '' THEN issues.head_sha ELSE excluded.head_sha END,
		 base_ref = CASE WHEN excluded.head_sha = '' THEN issues.base_ref ELSE excluded.base_ref END,
		 base_sha = CASE WHEN excluded.head_sha = '' THEN issues.base_sha ELSE excluded.base_sha END,
		 author_id = excluded.author_id,
		 milestone_id = excluded.milestone_id,
		 comment_count = excluded.comment_count,
		 reaction_count = excluded.reaction_count,
		 updated_at = excluded.updated_at,
		 closed_at = excluded.closed_at`

	sqlSelectIssue = `SELECT id, repository_id, number, title, body, state,
		pull_request, merged, head_ref, head_sha, base_ref, base_sha,
		author_id, milestone_id, comment_count, reaction_count,
		synced, synced_at, resolution_status, resolution_confidence,
		resolution_analyzed_at, created_at, updated_at, closed_at
		FROM issues`
)

// UpsertIssue creates or updates an issue keyed by remote id, falling
// back to (repository_id, number): a pull request carries a different
// numeric id on the pull-request endpoint than on the issues endpoint,
// and both paths must converge on one row. The synced flag, synced_at,
// and resolution cache columns are managed by their own setters and
// never touched here, so a webhook upsert cannot masquerade as a
// completed detail sync. Snapshots without a head SHA also leave the
// head/base refs and merged flag alone: issue-shaped updates to a pull
// request must not erase detail the pulls endpoint already supplied.
func (s *Store) UpsertIssue(ctx context.Context, i *Issue) error {
	var milestoneID any
	if i.MilestoneID != nil {
		milestoneID = *i.MilestoneID
	}

	var authorID any
	if i.AuthorID != 0 {
		authorID = i.AuthorID
	}

	_, err := s.db.ExecContext(ctx, sqlUpsertIssue,
		i.ID, i.RepositoryID, i.Number, i.Title, i.Body, i.State,
		i.PullRequest, i.Merged, i.HeadRef, i.HeadSHA, i.BaseRef, i.BaseSHA,
		authorID, milestoneID, i.CommentCount, i.ReactionCount,
		i.CreatedAt.Unix(), i.UpdatedAt.Unix(), unixPtr(i.ClosedAt))
	if err != nil {
		return fmt.Errorf("store: upserting issue #%d in repo %d: %w", i.Number, i.RepositoryID, err)
	}

	return nil
}

// GetIssue fetches an issue by remote id.
func (s *Store) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectIssue+` WHERE id = ?`, id)

	return scanIssue(row)
}

// GetIssueByNumber fetches an issue by its repository-scoped number.
func (s *Store) GetIssueByNumber(ctx context.Context, repoID int64, number int) (*Issue, error) {
	row := s.db.QueryRowContext(ctx,
		sqlSelectIssue+` WHERE repository_id = ? AND number = ?`, repoID, number)

	return scanIssue(row)
}

// MarkIssueSynced records that the issue's detail fetch (comments,
// reviews, relations) completed at the given time.
func (s *Store) MarkIssueSynced(ctx context.Context, issueID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET synced = 1, synced_at = ? WHERE id = ?`, at.Unix(), issueID)
	if err != nil {
		return fmt.Errorf("store: marking issue %d synced: %w", issueID, err)
	}

	return nil
}

// SetResolutionAnalysis writes the resolution-analysis cache fields.
// Only the out-of-scope analysis step calls this.
func (s *Store) SetResolutionAnalysis(ctx context.Context, issueID int64, status string, confidence float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET resolution_status = ?, resolution_confidence = ?,
		 resolution_analyzed_at = ? WHERE id = ?`,
		status, confidence, at.Unix(), issueID)
	if err != nil {
		return fmt.Errorf("store: setting resolution analysis for issue %d: %w", issueID, err)
	}

	return nil
}

// DeleteIssue removes an issue and its dependent rows (comments, reviews,
// relations) via cascades. Only repository removal and "transferred out"
// events call this.
func (s *Store) DeleteIssue(ctx context.Context, issueID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, issueID)
	if err != nil {
		return fmt.Errorf("store: deleting issue %d: %w", issueID, err)
	}

	return nil
}

// --- relation sets (assignees, labels, requested reviewers) ---

// Relation identifies one of the issue many-to-many join sets.
type Relation int

const (
	RelationAssignees Relation = iota
	RelationLabels
	RelationReviewers
)

// relationTables whitelists the join table and value column per relation,
// keeping table names out of caller-supplied strings.
var relationTables = map[Relation]struct {
	table  string
	column string
}{
	RelationAssignees: {"issue_assignees", "user_id"},
	RelationLabels:    {"issue_labels", "label_id"},
	RelationReviewers: {"issue_reviewers", "user_id"},
}

// ListRelationIDs returns the locally stored membership of the relation
// set for an issue.
func (s *Store) ListRelationIDs(ctx context.Context, rel Relation, issueID int64) ([]int64, error) {
	t := relationTables[rel]

	return s.listIDs(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE issue_id = ?`, t.column, t.table), issueID)
}

// AddRelation inserts one membership row. Idempotent.
func (s *Store) AddRelation(ctx context.Context, rel Relation, issueID, id int64) error {
	t := relationTables[rel]

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (issue_id, %s) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			t.table, t.column),
		issueID, id)
	if err != nil {
		return fmt.Errorf("store: adding %s %d to issue %d: %w", t.column, id, issueID, err)
	}

	return nil
}

// RemoveRelation deletes one membership row.
func (s *Store) RemoveRelation(ctx context.Context, rel Relation, issueID, id int64) error {
	t := relationTables[rel]

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE issue_id = ? AND %s = ?`, t.table, t.column),
		issueID, id)
	if err != nil {
		return fmt.Errorf("store: removing %s %d from issue %d: %w", t.column, id, issueID, err)
	}

	return nil
}

func scanIssue(row rowScanner) (*Issue, error) {
	var (
		i           Issue
		authorID    sql.NullInt64
		milestoneID sql.NullInt64
		syncedAt    sql.NullInt64
		analyzedAt  sql.NullInt64
		createdAt   int64
		updatedAt   int64
		closedAt    sql.NullInt64
	)

	err := row.Scan(&i.ID, &i.RepositoryID, &i.Number, &i.Title, &i.Body, &i.State,
		&i.PullRequest, &i.Merged, &i.HeadRef, &i.HeadSHA, &i.BaseRef, &i.BaseSHA,
		&authorID, &milestoneID, &i.CommentCount, &i.ReactionCount,
		&i.Synced, &syncedAt, &i.ResolutionStatus, &i.ResolutionConfidence,
		&analyzedAt, &createdAt, &updatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning issue: %w", err)
	}

	i.AuthorID = authorID.Int64

	if milestoneID.Valid {
		i.MilestoneID = &milestoneID.Int64
	}

	i.SyncedAt = timePtr(syncedAt)
	i.ResolutionAnalyzedAt = timePtr(analyzedAt)
	i.CreatedAt = time.Unix(createdAt, 0).UTC()
	i.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	i.ClosedAt = timePtr(closedAt)

	return &i, nil
}
