package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertShadowUser records a user referenced by a synced entity. The
// MAX(registered, …) keeps an existing registered record registered — a
// shadow observation never demotes a real account.
const sqlUpsertShadowUser = `INSERT INTO users (id, login, avatar_url, registered)
	VALUES (?, ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
	 login = excluded.login,
	 avatar_url = excluded.avatar_url,
	 registered = MAX(users.registered, excluded.registered)`

// UpsertShadowUser creates or enriches a user record from remote data
// without granting registered status.
func (s *Store) UpsertShadowUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertShadowUser, u.ID, u.Login, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("store: upserting shadow user %s: %w", u.Login, err)
	}

	return nil
}

// RegisterUser creates or promotes a user record to registered. Called
// when the identity authenticates for real; an existing shadow record is
// enriched in place so foreign keys pointing at it stay valid.
func (s *Store) RegisterUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, login, avatar_url, registered)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET
		  login = excluded.login,
		  avatar_url = excluded.avatar_url,
		  registered = 1`,
		u.ID, u.Login, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("store: registering user %s: %w", u.Login, err)
	}

	return nil
}

// GetUser fetches a user by remote id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User

	err := s.db.QueryRowContext(ctx,
		`SELECT id, login, avatar_url, registered FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Login, &u.AvatarURL, &u.Registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting user %d: %w", id, err)
	}

	return &u, nil
}

// GetUserByLogin fetches a user by login. Logins are unique remotely, so
// mention scanning resolves tokens through this lookup.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	var u User

	err := s.db.QueryRowContext(ctx,
		`SELECT id, login, avatar_url, registered FROM users WHERE login = ?`, login).
		Scan(&u.ID, &u.Login, &u.AvatarURL, &u.Registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting user %q: %w", login, err)
	}

	return &u, nil
}

// ListCollaboratorIDs returns the user ids with collaborator access to the
// repository, in no particular order.
func (s *Store) ListCollaboratorIDs(ctx context.Context, repoID int64) ([]int64, error) {
	return s.listIDs(ctx,
		`SELECT user_id FROM repo_collaborators WHERE repository_id = ?`, repoID)
}

// AddCollaborator records collaborator access. Idempotent.
func (s *Store) AddCollaborator(ctx context.Context, repoID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repo_collaborators (repository_id, user_id) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`, repoID, userID)
	if err != nil {
		return fmt.Errorf("store: adding collaborator %d to repo %d: %w", userID, repoID, err)
	}

	return nil
}

// RemoveCollaborator revokes collaborator access.
func (s *Store) RemoveCollaborator(ctx context.Context, repoID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM repo_collaborators WHERE repository_id = ? AND user_id = ?`,
		repoID, userID)
	if err != nil {
		return fmt.Errorf("store: removing collaborator %d from repo %d: %w", userID, repoID, err)
	}

	return nil
}

// IsCollaborator reports whether the user has collaborator access.
func (s *Store) IsCollaborator(ctx context.Context, repoID, userID int64) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM repo_collaborators WHERE repository_id = ? AND user_id = ?`,
		repoID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: checking collaborator %d on repo %d: %w", userID, repoID, err)
	}

	return true, nil
}

// listIDs runs a single-column int64 query. Shared by the relation-set
// readers the reconciler diffs against.
func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing ids: %w", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating ids: %w", err)
	}

	return ids, nil
}
