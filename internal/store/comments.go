package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertComment creates or updates an issue comment keyed by remote id.
func (s *Store) UpsertComment(ctx context.Context, c *Comment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, issue_id, author_id, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  body = excluded.body,
		  updated_at = excluded.updated_at`,
		c.ID, c.IssueID, nullableID(c.AuthorID), c.Body,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upserting comment %d: %w", c.ID, err)
	}

	return nil
}

// DeleteComment removes a comment.
func (s *Store) DeleteComment(ctx context.Context, commentID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, commentID)
	if err != nil {
		return fmt.Errorf("store: deleting comment %d: %w", commentID, err)
	}

	return nil
}

// LatestCommentTime returns the creation time of the newest comment on
// the issue, or the zero time when no comments exist. The staleness
// policy compares this against the resolution-analysis timestamp.
func (s *Store) LatestCommentTime(ctx context.Context, issueID int64) (time.Time, error) {
	var createdAt sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM comments WHERE issue_id = ?`, issueID).
		Scan(&createdAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("store: latest comment time for issue %d: %w", issueID, err)
	}

	if !createdAt.Valid {
		return time.Time{}, nil
	}

	return time.Unix(createdAt.Int64, 0).UTC(), nil
}

// ListComments returns all comments on an issue in creation order.
// Remote ids ascend with creation, so ordering by id never reorders.
func (s *Store) ListComments(ctx context.Context, issueID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, author_id, body, created_at, updated_at
		 FROM comments WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("store: listing comments for issue %d: %w", issueID, err)
	}
	defer rows.Close()

	var comments []*Comment

	for rows.Next() {
		var (
			c         Comment
			authorID  sql.NullInt64
			createdAt int64
			updatedAt int64
		)

		if err := rows.Scan(&c.ID, &c.IssueID, &authorID, &c.Body, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning comment: %w", err)
		}

		c.AuthorID = authorID.Int64
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		comments = append(comments, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating comments: %w", err)
	}

	return comments, nil
}

// UpsertReview creates or updates a pull request review keyed by remote id.
func (s *Store) UpsertReview(ctx context.Context, r *Review) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, issue_id, author_id, state, body, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  state = excluded.state,
		  body = excluded.body,
		  submitted_at = excluded.submitted_at`,
		r.ID, r.IssueID, nullableID(r.AuthorID), r.State, r.Body, r.SubmittedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upserting review %d: %w", r.ID, err)
	}

	return nil
}

// UpsertReviewComment creates or updates an inline review comment.
func (s *Store) UpsertReviewComment(ctx context.Context, rc *ReviewComment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_comments (id, issue_id, author_id, body, path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  body = excluded.body,
		  path = excluded.path,
		  updated_at = excluded.updated_at`,
		rc.ID, rc.IssueID, nullableID(rc.AuthorID), rc.Body, rc.Path,
		rc.CreatedAt.Unix(), rc.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: upserting review comment %d: %w", rc.ID, err)
	}

	return nil
}

// nullableID maps a zero id to NULL, preserving the FK constraint for
// entities whose author was deleted remotely ("ghost" authors).
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}

	return id
}
