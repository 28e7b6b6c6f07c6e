package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlUpsertRepository = `INSERT INTO repositories
		(id, owner, name, full_name, installation_id, private)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 owner = excluded.owner,
		 name = excluded.name,
		 full_name = excluded.full_name,
		 installation_id = excluded.installation_id,
		 private = excluded.private`

	sqlSelectRepository = `SELECT id, owner, name, full_name, installation_id,
		private, syncing, last_synced_at FROM repositories`
)

// UpsertRepository creates or updates a repository keyed by remote id.
// The syncing flag and last_synced_at are managed separately and never
// touched by the upsert, so a metadata refresh cannot release the sync
// lock or forge a sync timestamp.
func (s *Store) UpsertRepository(ctx context.Context, r *Repository) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertRepository,
		r.ID, r.Owner, r.Name, r.FullName, r.InstallationID, r.Private)
	if err != nil {
		return fmt.Errorf("store: upserting repository %s: %w", r.FullName, err)
	}

	return nil
}

// GetRepository fetches a repository by remote id.
func (s *Store) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectRepository+` WHERE id = ?`, id)

	return scanRepository(row)
}

// GetRepositoryByFullName fetches a repository by its "owner/name" string.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*Repository, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectRepository+` WHERE full_name = ?`, fullName)

	return scanRepository(row)
}

// ListRepositories returns all mirrored repositories ordered by full name.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectRepository+` ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing repositories: %w", err)
	}
	defer rows.Close()

	var repos []*Repository

	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}

		repos = append(repos, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating repositories: %w", err)
	}

	return repos, nil
}

// TryBeginSync atomically sets the syncing flag if it is clear. Returns
// false when another sync already holds the flag — the caller
// short-circuits instead of running a concurrent full sync.
func (s *Store) TryBeginSync(ctx context.Context, repoID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET syncing = 1 WHERE id = ? AND syncing = 0`, repoID)
	if err != nil {
		return false, fmt.Errorf("store: acquiring sync flag for repo %d: %w", repoID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking sync flag for repo %d: %w", repoID, err)
	}

	return n == 1, nil
}

// FinishSync clears the syncing flag. When syncedAt is non-nil the sync
// succeeded and last_synced_at is stamped; on failure it is left alone so
// staleness decisions still reflect the last good sync.
func (s *Store) FinishSync(ctx context.Context, repoID int64, syncedAt *time.Time) error {
	var err error

	if syncedAt != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repositories SET syncing = 0, last_synced_at = ? WHERE id = ?`,
			syncedAt.Unix(), repoID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repositories SET syncing = 0 WHERE id = ?`, repoID)
	}

	if err != nil {
		return fmt.Errorf("store: clearing sync flag for repo %d: %w", repoID, err)
	}

	return nil
}

// DeleteRepository removes a repository and, via foreign key cascades, all
// of its issues, relations, runs, subscriptions, and notifications.
func (s *Store) DeleteRepository(ctx context.Context, repoID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("store: deleting repository %d: %w", repoID, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*Repository, error) {
	var (
		r            Repository
		lastSyncedAt sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.FullName,
		&r.InstallationID, &r.Private, &r.Syncing, &lastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning repository: %w", err)
	}

	r.LastSyncedAt = timePtr(lastSyncedAt)

	return &r, nil
}
