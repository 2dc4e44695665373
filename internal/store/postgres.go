package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"authsync/internal/access"
)

// ErrDuplicateAuthorization reports that a lookup found more than one
// project_authorizations row for the same (user_id, project_id) pair. The
// unique index makes this impossible in a healthy database; callers must
// treat it as fatal rather than pick a row.
var ErrDuplicateAuthorization = errors.New("duplicate project authorization row")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, namespace_id, name, path
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.NamespaceID, &item.Name, &item.Path)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetNamespace(ctx context.Context, namespaceID int64) (Namespace, error) {
	var item Namespace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, path
		FROM namespaces
		WHERE id=$1
	`, namespaceID).Scan(&item.ID, &item.ParentID, &item.Name, &item.Path)
	if err != nil {
		return Namespace{}, err
	}
	return item, nil
}

// CreateProjectGroupLink records the sharing link. Creating a link that
// already exists returns the existing row, so the at-least-once caller can
// re-trigger reconciliation without erroring.
func (s *PostgresStore) CreateProjectGroupLink(ctx context.Context, projectID, groupID int64) (ProjectGroupLink, error) {
	var link ProjectGroupLink
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO project_group_links (project_id, group_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, group_id) DO UPDATE SET project_id=EXCLUDED.project_id
		RETURNING id, project_id, group_id, created_at
	`, projectID, groupID).Scan(&link.ID, &link.ProjectID, &link.GroupID, &link.CreatedAt)
	if err != nil {
		return ProjectGroupLink{}, fmt.Errorf("create project group link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) DeleteProjectGroupLink(ctx context.Context, projectID, groupID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM project_group_links
		WHERE project_id=$1 AND group_id=$2
	`, projectID, groupID)
	if err != nil {
		return false, fmt.Errorf("delete project group link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project group link rows: %w", err)
	}
	return affected > 0, nil
}

// GetAuthorizations bulk-reads the stored authorization levels for the given
// users on one project. Absent users have no row and no map entry.
func (s *PostgresStore) GetAuthorizations(ctx context.Context, projectID int64, userIDs []int64) (map[int64]access.Level, error) {
	if len(userIDs) == 0 {
		return map[int64]access.Level{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, access_level
		FROM project_authorizations
		WHERE project_id=$1 AND user_id = ANY($2)
	`, projectID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get authorizations: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]access.Level, len(userIDs))
	for rows.Next() {
		var userID int64
		var level int
		if err := rows.Scan(&userID, &level); err != nil {
			return nil, fmt.Errorf("scan authorization: %w", err)
		}
		if _, seen := existing[userID]; seen {
			return nil, fmt.Errorf("project %d user %d: %w", projectID, userID, ErrDuplicateAuthorization)
		}
		existing[userID] = access.Level(level)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authorizations: %w", err)
	}
	return existing, nil
}

// ApplyAuthorizationBatch deletes then inserts authorization rows in a single
// transaction. Delete runs first so an upgraded user never has two rows, even
// transiently. A batch with nothing to write opens no transaction at all.
func (s *PostgresStore) ApplyAuthorizationBatch(ctx context.Context, projectID int64, deleteUserIDs []int64, inserts []ProjectAuthorization) error {
	if len(deleteUserIDs) == 0 && len(inserts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin authorization batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(deleteUserIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM project_authorizations
			WHERE project_id=$1 AND user_id = ANY($2)
		`, projectID, deleteUserIDs); err != nil {
			return fmt.Errorf("delete authorizations: %w", err)
		}
	}

	if len(inserts) > 0 {
		query, args := buildAuthorizationInsert(inserts)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert authorizations: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit authorization batch: %w", err)
	}
	return nil
}

func buildAuthorizationInsert(inserts []ProjectAuthorization) (string, []any) {
	var query strings.Builder
	query.WriteString(`INSERT INTO project_authorizations (user_id, project_id, access_level) VALUES `)
	args := make([]any, 0, len(inserts)*3)
	for i, row := range inserts {
		if i > 0 {
			query.WriteString(", ")
		}
		fmt.Fprintf(&query, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, row.UserID, row.ProjectID, int(row.AccessLevel))
	}
	return query.String(), args
}

// RemainingAccess computes, for each user in the batch, the best access level
// still derivable on the project once the given group link is ignored: direct
// project membership plus every other linked group's self-and-ancestor
// memberships. Users with no surviving grant path have no map entry.
func (s *PostgresStore) RemainingAccess(ctx context.Context, projectID int64, userIDs []int64, excludeGroupID int64) (map[int64]access.Level, error) {
	if len(userIDs) == 0 {
		return map[int64]access.Level{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE linked_groups AS (
			SELECT group_id AS id
			FROM project_group_links
			WHERE project_id=$1 AND group_id <> $3
			UNION
			SELECT n.parent_id
			FROM namespaces n
			JOIN linked_groups lg ON lg.id = n.id
			WHERE n.parent_id IS NOT NULL
		),
		grant_paths AS (
			SELECT user_id, access_level
			FROM members
			WHERE source_type='Project' AND source_id=$1 AND user_id = ANY($2)
			UNION ALL
			SELECT m.user_id, m.access_level
			FROM members m
			JOIN linked_groups lg ON m.source_type='Namespace' AND m.source_id = lg.id
			WHERE m.user_id = ANY($2)
		)
		SELECT user_id, MAX(access_level)
		FROM grant_paths
		GROUP BY user_id
	`, projectID, userIDs, excludeGroupID)
	if err != nil {
		return nil, fmt.Errorf("remaining access: %w", err)
	}
	defer rows.Close()

	remaining := make(map[int64]access.Level, len(userIDs))
	for rows.Next() {
		var userID int64
		var level int
		if err := rows.Scan(&userID, &level); err != nil {
			return nil, fmt.Errorf("scan remaining access: %w", err)
		}
		remaining[userID] = access.Level(level)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remaining access: %w", err)
	}
	return remaining, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
