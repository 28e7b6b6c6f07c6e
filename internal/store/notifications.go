package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqlSelectNotification = `SELECT id, user_id, repository_id, kind,
	issue_id, release_id, workflow_run_id, actor_id, title, read, read_at, created_at
	FROM notifications`

// CreateNotification inserts one notification row and fills in its
// assigned id and creation time. The referenced repository (and issue or
// release, when set) must already exist — foreign keys reject dangling
// references before any write lands.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	now := s.nowFunc().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
		 (user_id, repository_id, kind, issue_id, release_id, workflow_run_id,
		  actor_id, title, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		n.UserID, n.RepositoryID, n.Kind,
		nullableIDPtr(n.IssueID), nullableIDPtr(n.ReleaseID), nullableIDPtr(n.WorkflowRunID),
		nullableID(n.ActorID), n.Title, now.Unix())
	if err != nil {
		return fmt.Errorf("store: creating %s notification for user %d: %w", n.Kind, n.UserID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: reading notification id: %w", err)
	}

	n.ID = id
	n.CreatedAt = now

	return nil
}

// ListNotifications returns a user's notifications, newest first.
// unreadOnly restricts the result to unread rows.
func (s *Store) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]*Notification, error) {
	query := sqlSelectNotification + ` WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}

	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: listing notifications for user %d: %w", userID, err)
	}
	defer rows.Close()

	var notifs []*Notification

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}

		notifs = append(notifs, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating notifications: %w", err)
	}

	return notifs, nil
}

// MarkNotificationRead sets read/read_at on one notification owned by the
// user. Marking an already-read row again is a no-op, not an error.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notifID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ?
		 WHERE id = ? AND user_id = ? AND read = 0`,
		s.nowFunc().Unix(), notifID, userID)
	if err != nil {
		return fmt.Errorf("store: marking notification %d read: %w", notifID, err)
	}

	// Distinguish "already read" (fine) from "not yours / missing".
	if n, _ := res.RowsAffected(); n == 0 {
		var one int

		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM notifications WHERE id = ? AND user_id = ?`, notifID, userID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		if err != nil {
			return fmt.Errorf("store: checking notification %d: %w", notifID, err)
		}
	}

	return nil
}

// MarkAllNotificationsRead marks every unread notification for the user.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = ? WHERE user_id = ? AND read = 0`,
		s.nowFunc().Unix(), userID)
	if err != nil {
		return fmt.Errorf("store: marking all notifications read for user %d: %w", userID, err)
	}

	return nil
}

// DeleteNotification removes one notification owned by the user.
func (s *Store) DeleteNotification(ctx context.Context, userID, notifID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND user_id = ?`, notifID, userID)
	if err != nil {
		return fmt.Errorf("store: deleting notification %d: %w", notifID, err)
	}

	return nil
}

// ClearReadNotifications bulk-deletes all read notifications for the user.
func (s *Store) ClearReadNotifications(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE user_id = ? AND read = 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("store: clearing read notifications for user %d: %w", userID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting cleared notifications: %w", err)
	}

	return n, nil
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n             Notification
		issueID       sql.NullInt64
		releaseID     sql.NullInt64
		workflowRunID sql.NullInt64
		actorID       sql.NullInt64
		readAt        sql.NullInt64
		createdAt     int64
	)

	err := row.Scan(&n.ID, &n.UserID, &n.RepositoryID, &n.Kind,
		&issueID, &releaseID, &workflowRunID, &actorID, &n.Title,
		&n.Read, &readAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning notification: %w", err)
	}

	if issueID.Valid {
		n.IssueID = &issueID.Int64
	}

	if releaseID.Valid {
		n.ReleaseID = &releaseID.Int64
	}

	if workflowRunID.Valid {
		n.WorkflowRunID = &workflowRunID.Int64
	}

	n.ActorID = actorID.Int64
	n.ReadAt = timePtr(readAt)
	n.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &n, nil
}

func nullableIDPtr(id *int64) any {
	if id == nil {
		return nil
	}

	return *id
}
