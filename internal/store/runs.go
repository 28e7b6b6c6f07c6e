package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertWorkflowRun creates or updates a CI run keyed by remote id.
// Completed rows are effectively immutable: a re-run arrives as a new
// remote id with the same head SHA and name, superseding the old row by
// its newer created_at.
func (s *Store) UpsertWorkflowRun(ctx context.Context, r *WorkflowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs
		 (id, repository_id, name, head_sha, status, conclusion, html_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  status = excluded.status,
		  conclusion = excluded.conclusion`,
		r.ID, r.RepositoryID, r.Name, r.HeadSHA, r.Status, r.Conclusion,
		r.HTMLURL, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upserting workflow run %d: %w", r.ID, err)
	}

	return nil
}

// GetWorkflowRun fetches a run by remote id.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repository_id, name, head_sha, status, conclusion, html_url, created_at
		 FROM workflow_runs WHERE id = ?`, id)

	return scanWorkflowRun(row)
}

// ListWorkflowRunsBySHA returns all runs recorded for a head commit,
// newest first, so the aggregator can pick the latest run per check name.
func (s *Store) ListWorkflowRunsBySHA(ctx context.Context, repoID int64, headSHA string) ([]*WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, name, head_sha, status, conclusion, html_url, created_at
		 FROM workflow_runs WHERE repository_id = ? AND head_sha = ?
		 ORDER BY created_at DESC, id DESC`, repoID, headSHA)
	if err != nil {
		return nil, fmt.Errorf("store: listing workflow runs for %s: %w", headSHA, err)
	}
	defer rows.Close()

	var runs []*WorkflowRun

	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating workflow runs: %w", err)
	}

	return runs, nil
}

func scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var (
		r         WorkflowRun
		createdAt int64
	)

	err := row.Scan(&r.ID, &r.RepositoryID, &r.Name, &r.HeadSHA,
		&r.Status, &r.Conclusion, &r.HTMLURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning workflow run: %w", err)
	}

	r.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &r, nil
}

// UpsertRelease creates or updates a release keyed by remote id.
func (s *Store) UpsertRelease(ctx context.Context, r *Release) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO releases (id, repository_id, tag_name, name, author_id, published_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  tag_name = excluded.tag_name,
		  name = excluded.name,
		  published_at = excluded.published_at`,
		r.ID, r.RepositoryID, r.TagName, r.Name, nullableID(r.AuthorID),
		unixPtr(r.PublishedAt))
	if err != nil {
		return fmt.Errorf("store: upserting release %q: %w", r.TagName, err)
	}

	return nil
}
