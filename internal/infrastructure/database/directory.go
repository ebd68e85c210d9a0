package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

// Directory reads workspace membership and display names from the tables
// owned by the workspace side of the system
type Directory struct {
	db *pgxpool.Pool
}

func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

func (d *Directory) IsActiveMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workspace_members m
			JOIN workspaces w ON w.id = m.workspace_id
			WHERE m.workspace_id = $1 AND m.user_id = $2
			  AND m.is_active AND w.deleted_at IS NULL
		)`, workspaceID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

func (d *Directory) WorkspaceExists(ctx context.Context, workspaceID uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1 AND deleted_at IS NULL)`,
		workspaceID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check workspace: %w", err)
	}
	return ok, nil
}

func (d *Directory) TaskWorkspace(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	return d.owner(ctx, `SELECT workspace_id FROM tasks WHERE id = $1 AND deleted_at IS NULL`, taskID)
}

func (d *Directory) SectionWorkspace(ctx context.Context, sectionID uuid.UUID) (uuid.UUID, error) {
	return d.owner(ctx, `SELECT workspace_id FROM sections WHERE id = $1 AND deleted_at IS NULL`, sectionID)
}

func (d *Directory) MembershipWorkspace(ctx context.Context, membershipID uuid.UUID) (uuid.UUID, error) {
	return d.owner(ctx, `SELECT workspace_id FROM workspace_members WHERE id = $1`, membershipID)
}

func (d *Directory) owner(ctx context.Context, query string, id uuid.UUID) (uuid.UUID, error) {
	var workspaceID uuid.UUID
	err := d.db.QueryRow(ctx, query, id).Scan(&workspaceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, activity.ErrEntityNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve owner: %w", err)
	}
	return workspaceID, nil
}

func (d *Directory) ShareWorkspace(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workspace_members a
			JOIN workspace_members b ON b.workspace_id = a.workspace_id
			JOIN workspaces w ON w.id = a.workspace_id
			WHERE a.user_id = $1 AND b.user_id = $2
			  AND a.is_active AND b.is_active AND w.deleted_at IS NULL
		)`, userA, userB).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check shared workspace: %w", err)
	}
	return ok, nil
}

func (d *Directory) UserWorkspaces(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.db.Query(ctx, `
		SELECT m.workspace_id FROM workspace_members m
		JOIN workspaces w ON w.id = m.workspace_id
		WHERE m.user_id = $1 AND m.is_active AND w.deleted_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user workspaces: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = make([]uuid.UUID, 0)
	}
	return ids, nil
}

func (d *Directory) UserNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return d.names(ctx, `SELECT id, name FROM users WHERE id = ANY($1)`, ids)
}

func (d *Directory) WorkspaceNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return d.names(ctx, `SELECT id, name FROM workspaces WHERE id = ANY($1) AND name <> ''`, ids)
}

func (d *Directory) names(ctx context.Context, query string, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	names := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	rows, err := d.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

var (
	_ activity.EventRepository     = (*EventStore)(nil)
	_ activity.SummaryRepository   = (*SummaryStore)(nil)
	_ activity.MembershipDirectory = (*Directory)(nil)
	_ activity.NameDirectory       = (*Directory)(nil)
)
