package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sqlSelectSubscription = `SELECT id, user_id, repository_id,
	issues, pull_requests, releases, ci, mentions, activity
	FROM subscriptions`

// GetSubscription fetches the subscription row for a (user, repository)
// pair. ErrNotFound means not subscribed: all channels closed.
func (s *Store) GetSubscription(ctx context.Context, userID, repoID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		sqlSelectSubscription+` WHERE user_id = ? AND repository_id = ?`, userID, repoID)

	return scanSubscription(row)
}

// ListSubscriptionsForRepository returns every subscription row for the
// repository. The dispatcher filters by channel per event.
func (s *Store) ListSubscriptionsForRepository(ctx context.Context, repoID int64) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		sqlSelectSubscription+` WHERE repository_id = ?`, repoID)
	if err != nil {
		return nil, fmt.Errorf("store: listing subscriptions for repo %d: %w", repoID, err)
	}
	defer rows.Close()

	var subs []*Subscription

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}

		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating subscriptions: %w", err)
	}

	return subs, nil
}

// EnsureSubscription creates the default subscription row if none exists
// for the pair. An existing row is never modified — idempotent under
// repeated syncs.
func (s *Store) EnsureSubscription(ctx context.Context, userID, repoID int64) error {
	def := DefaultSubscription(userID, repoID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (user_id, repository_id, issues, pull_requests, releases, ci, mentions, activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, repository_id) DO NOTHING`,
		def.UserID, def.RepositoryID, def.Issues, def.PullRequests,
		def.Releases, def.CI, def.Mentions, def.Activity)
	if err != nil {
		return fmt.Errorf("store: ensuring subscription user=%d repo=%d: %w", userID, repoID, err)
	}

	return nil
}

// SubscriptionPatch carries a partial channel update. Nil fields leave
// the stored value untouched.
type SubscriptionPatch struct {
	Issues       *bool
	PullRequests *bool
	Releases     *bool
	CI           *bool
	Mentions     *bool
	Activity     *bool
}

// PresetPatch expands a named preset into a full channel patch. The
// second return is false for unknown preset names (including "custom",
// which has no fixed tuple).
func PresetPatch(name string) (SubscriptionPatch, bool) {
	want, ok := presetChannels[name]
	if !ok {
		return SubscriptionPatch{}, false
	}

	return SubscriptionPatch{
		Issues:       &want[0],
		PullRequests: &want[1],
		Releases:     &want[2],
		CI:           &want[3],
		Mentions:     &want[4],
		Activity:     &want[5],
	}, true
}

// UpdateSubscription merges a partial channel update into the stored row,
// creating the default row first when none exists. Returns the resulting
// subscription.
func (s *Store) UpdateSubscription(ctx context.Context, userID, repoID int64, patch SubscriptionPatch) (*Subscription, error) {
	if err := s.EnsureSubscription(ctx, userID, repoID); err != nil {
		return nil, err
	}

	sub, err := s.GetSubscription(ctx, userID, repoID)
	if err != nil {
		return nil, err
	}

	apply := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	apply(&sub.Issues, patch.Issues)
	apply(&sub.PullRequests, patch.PullRequests)
	apply(&sub.Releases, patch.Releases)
	apply(&sub.CI, patch.CI)
	apply(&sub.Mentions, patch.Mentions)
	apply(&sub.Activity, patch.Activity)

	_, err = s.db.ExecContext(ctx,
		`UPDATE subscriptions SET issues = ?, pull_requests = ?, releases = ?,
		 ci = ?, mentions = ?, activity = ? WHERE id = ?`,
		sub.Issues, sub.PullRequests, sub.Releases, sub.CI, sub.Mentions,
		sub.Activity, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("store: updating subscription %d: %w", sub.ID, err)
	}

	return sub, nil
}

// DeleteSubscription removes the row, returning the pair to "not
// subscribed".
func (s *Store) DeleteSubscription(ctx context.Context, userID, repoID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND repository_id = ?`, userID, repoID)
	if err != nil {
		return fmt.Errorf("store: deleting subscription user=%d repo=%d: %w", userID, repoID, err)
	}

	return nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription

	err := row.Scan(&sub.ID, &sub.UserID, &sub.RepositoryID,
		&sub.Issues, &sub.PullRequests, &sub.Releases, &sub.CI,
		&sub.Mentions, &sub.Activity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning subscription: %w", err)
	}

	return &sub, nil
}
