package crew

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads crew and role reference data from the shared
// project database. It never writes; the admin console owns these tables.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, pool *pgxpool.Pool) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool}
	if err := d.initSchema(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PostgresDirectory) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_crew (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			project_role_id TEXT NOT NULL,
			person_name TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			is_lead BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			joined_date TIMESTAMPTZ NOT NULL,
			left_date TIMESTAMPTZ NULL,
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_crew_role ON project_crew (project_id, project_role_id) WHERE is_active;`,
		`CREATE TABLE IF NOT EXISTS project_roles (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			required_count INTEGER NOT NULL DEFAULT 1,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init crew schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (d *PostgresDirectory) ActiveCrewForRole(ctx context.Context, projectID, roleID string) ([]Ref, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, project_role_id, person_name, department, is_lead, is_active, joined_date, left_date, notes
		   FROM project_crew
		  WHERE project_id=$1 AND project_role_id=$2 AND is_active
		  ORDER BY joined_date`,
		projectID, roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list crew for role: %w", err)
	}
	defer rows.Close()

	out := make([]Ref, 0, 4)
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(
			&ref.ProjectCrewID, &ref.RoleID, &ref.PersonName, &ref.Department,
			&ref.IsLead, &ref.IsActive, &ref.JoinedDate, &ref.LeftDate, &ref.Notes,
		); err != nil {
			return nil, fmt.Errorf("scan crew row: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crew rows: %w", err)
	}
	return out, nil
}

func (d *PostgresDirectory) OngoingTaskCount(ctx context.Context, projectCrewID string) (int, error) {
	var count int
	err := d.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_crew_id=$1 AND status='ongoing' AND NOT is_archived`,
		projectCrewID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ongoing tasks: %w", err)
	}
	return count, nil
}

func (d *PostgresDirectory) RoleRequirement(ctx context.Context, projectID, roleID string) (RoleRequirement, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT r.id, r.required_count, r.is_active,
		        (SELECT COUNT(*) FROM project_crew c
		          WHERE c.project_id=r.project_id AND c.project_role_id=r.id AND c.is_active)
		   FROM project_roles r
		  WHERE r.project_id=$1 AND r.id=$2`,
		projectID, roleID,
	)
	var req RoleRequirement
	if err := row.Scan(&req.ProjectRoleID, &req.RequiredCount, &req.IsActive, &req.FilledCount); err != nil {
		if err == pgx.ErrNoRows {
			return RoleRequirement{}, ErrRoleNotFound
		}
		return RoleRequirement{}, fmt.Errorf("get role requirement: %w", err)
	}
	return req, nil
}
