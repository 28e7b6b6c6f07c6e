package store

import (
	"context"
	"fmt"
)

// UpsertLabel creates or updates a label keyed by remote id.
func (s *Store) UpsertLabel(ctx context.Context, l *Label) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labels (id, repository_id, name, color, description)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name,
		  color = excluded.color,
		  description = excluded.description`,
		l.ID, l.RepositoryID, l.Name, l.Color, l.Description)
	if err != nil {
		return fmt.Errorf("store: upserting label %q: %w", l.Name, err)
	}

	return nil
}

// DeleteLabel removes a label and its issue associations.
func (s *Store) DeleteLabel(ctx context.Context, labelID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, labelID)
	if err != nil {
		return fmt.Errorf("store: deleting label %d: %w", labelID, err)
	}

	return nil
}

// UpsertMilestone creates or updates a milestone keyed by remote id.
func (s *Store) UpsertMilestone(ctx context.Context, m *Milestone) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (id, repository_id, number, title, state, due_on)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  number = excluded.number,
		  title = excluded.title,
		  state = excluded.state,
		  due_on = excluded.due_on`,
		m.ID, m.RepositoryID, m.Number, m.Title, m.State, unixPtr(m.DueOn))
	if err != nil {
		return fmt.Errorf("store: upserting milestone %q: %w", m.Title, err)
	}

	return nil
}

// DeleteMilestone removes a milestone.
func (s *Store) DeleteMilestone(ctx context.Context, milestoneID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM milestones WHERE id = ?`, milestoneID)
	if err != nil {
		return fmt.Errorf("store: deleting milestone %d: %w", milestoneID, err)
	}

	return nil
}

// UpsertIssueType creates or updates an organization issue type.
func (s *Store) UpsertIssueType(ctx context.Context, t *IssueType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issue_types (id, owner, name, description, color)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name,
		  description = excluded.description,
		  color = excluded.color`,
		t.ID, t.Owner, t.Name, t.Description, t.Color)
	if err != nil {
		return fmt.Errorf("store: upserting issue type %q: %w", t.Name, err)
	}

	return nil
}
