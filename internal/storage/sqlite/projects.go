package sqlite

import (
	"context"
	"database/sql"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// CreateProject inserts the singleton project row. A second creation
// fails with Conflict regardless of the requested name.
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	if p.Name == "" {
		return types.Validationf("empty_name", "project name must not be empty")
	}

	now := types.UTCNow()
	p.ID = idgen.New(idgen.PrefixProject)
	p.CreatedAt = now
	p.UpdatedAt = now

	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		var count int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&count); err != nil {
			return mapSQLError(err)
		}
		if count > 0 {
			return types.Conflictf("project_exists", "a project already exists; sparkq is single-project")
		}
		_, err := conn.ExecContext(ctx, `
			INSERT INTO projects (id, name, repo_path, prd_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.RepoPath, p.PRDPath, p.CreatedAt, p.UpdatedAt)
		return mapSQLError(err)
	})
}

// GetProject returns the singleton project row.
func (s *Store) GetProject(ctx context.Context) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_path, prd_path, created_at, updated_at
		FROM projects LIMIT 1`)
	var p types.Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.PRDPath, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("project_missing", "no project exists yet; run setup first")
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// UpdateProject applies the non-nil fields of upd and stamps updated_at.
func (s *Store) UpdateProject(ctx context.Context, upd storage.ProjectUpdate) (*types.Project, error) {
	if upd.Name != nil && *upd.Name == "" {
		return nil, types.Validationf("empty_name", "project name must not be empty")
	}

	var out *types.Project
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		p, err := getProjectConn(ctx, conn)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			p.Name = *upd.Name
		}
		if upd.RepoPath != nil {
			p.RepoPath = *upd.RepoPath
		}
		if upd.PRDPath != nil {
			p.PRDPath = *upd.PRDPath
		}
		p.UpdatedAt = types.UTCNow()

		res, err := conn.ExecContext(ctx, `
			UPDATE projects SET name = ?, repo_path = ?, prd_path = ?, updated_at = ?
			WHERE id = ?`,
			p.Name, p.RepoPath, p.PRDPath, p.UpdatedAt, p.ID)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFoundf("project_missing", "no project exists yet; run setup first")
		}
		out = p
		return nil
	})
	return out, err
}

func getProjectConn(ctx context.Context, conn *sql.Conn) (*types.Project, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT id, name, repo_path, prd_path, created_at, updated_at
		FROM projects LIMIT 1`)
	var p types.Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.PRDPath, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("project_missing", "no project exists yet; run setup first")
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
