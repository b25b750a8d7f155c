package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of a pgx pool. The version column is
// the compare-and-swap token for every status write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			phase_order INTEGER NOT NULL,
			step_order INTEGER NOT NULL,
			task_order INTEGER NOT NULL,
			phase_name TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			estimated_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			actual_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			department_id TEXT NOT NULL DEFAULT '',
			expected_start_time TIMESTAMPTZ NULL,
			expected_end_time TIMESTAMPTZ NULL,
			actual_start_time TIMESTAMPTZ NULL,
			actual_end_time TIMESTAMPTZ NULL,
			is_critical BOOLEAN NOT NULL DEFAULT FALSE,
			escalation_reason TEXT NOT NULL DEFAULT '',
			escalated_at TIMESTAMPTZ NULL,
			parent_task_id TEXT NOT NULL DEFAULT '',
			parent_project_id TEXT NOT NULL DEFAULT '',
			parent_blocking BOOLEAN NOT NULL DEFAULT FALSE,
			assigned_role_id TEXT NOT NULL DEFAULT '',
			assigned_crew_id TEXT NOT NULL DEFAULT '',
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_project_order
			ON tasks (project_id, phase_order, step_order, task_order)
			WHERE NOT is_archived;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks (project_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_overdue ON tasks (expected_end_time) WHERE status = 'ongoing';`,
		`CREATE TABLE IF NOT EXISTS task_checklist (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS task_attachments (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			author TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_comments_task_seq ON task_comments (task_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, project_id, name, description, phase_order, step_order, task_order,
	phase_name, step_name, estimated_hours, actual_hours, status, category, department_id,
	expected_start_time, expected_end_time, actual_start_time, actual_end_time,
	is_critical, escalation_reason, escalated_at, parent_task_id, parent_project_id,
	parent_blocking, assigned_role_id, assigned_crew_id, is_archived, version, created_at, updated_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30
		)`,
		taskArgs(task)...,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := writeChildRows(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if err := s.loadChildren(ctx, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET
			name=$3, description=$4, phase_order=$5, step_order=$6, task_order=$7,
			phase_name=$8, step_name=$9, estimated_hours=$10, actual_hours=$11,
			status=$12, category=$13, department_id=$14,
			expected_start_time=$15, expected_end_time=$16, actual_start_time=$17, actual_end_time=$18,
			is_critical=$19, escalation_reason=$20, escalated_at=$21,
			parent_task_id=$22, parent_project_id=$23, parent_blocking=$24,
			assigned_role_id=$25, assigned_crew_id=$26, is_archived=$27,
			version=version+1, updated_at=$28
		WHERE id=$1 AND version=$2`,
		task.ID, task.Version,
		task.Name, task.Description, task.PhaseOrder, task.StepOrder, task.TaskOrder,
		task.PhaseName, task.StepName, task.EstimatedHours, task.ActualHours,
		string(task.Status), task.Category, task.DepartmentID,
		task.ExpectedStartTime, task.ExpectedEndTime, task.ActualStartTime, task.ActualEndTime,
		task.IsCritical, task.EscalationReason, task.EscalatedAt,
		task.ParentTaskID, task.ParentProjectID, task.ParentBlocking,
		task.AssignedRoleID, task.AssignedCrewID, task.IsArchived,
		task.UpdatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id=$1)`, task.ID).Scan(&exists); err != nil {
			return Task{}, fmt.Errorf("check task existence: %w", err)
		}
		if !exists {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, ErrConcurrentModification
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_checklist WHERE task_id=$1`, task.ID); err != nil {
		return Task{}, fmt.Errorf("delete prior checklist: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_attachments WHERE task_id=$1`, task.ID); err != nil {
		return Task{}, fmt.Errorf("delete prior attachments: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_comments WHERE task_id=$1`, task.ID); err != nil {
		return Task{}, fmt.Errorf("delete prior comments: %w", err)
	}
	if err := writeChildRows(ctx, tx, task); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}

	stored := task.Clone()
	stored.Version = task.Version + 1
	return stored, nil
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id=$1
		 ORDER BY phase_order, step_order, task_order`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 32)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ListOverdueOngoing(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status=$1 AND NOT is_archived
		   AND expected_end_time IS NOT NULL AND expected_end_time < $2`,
		string(StatusOngoing), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EscalateIfOverdue(ctx context.Context, taskID string, now time.Time, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET
			status=$2, escalation_reason=$3, escalated_at=$4, updated_at=$4, version=version+1
		 WHERE id=$1 AND status=$5 AND NOT is_archived
		   AND expected_end_time IS NOT NULL AND expected_end_time < $4`,
		taskID, string(StatusEscalated), reason, now, string(StatusOngoing),
	)
	if err != nil {
		return false, fmt.Errorf("escalate task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func taskArgs(task Task) []any {
	return []any{
		task.ID, task.ProjectID, task.Name, task.Description,
		task.PhaseOrder, task.StepOrder, task.TaskOrder,
		task.PhaseName, task.StepName, task.EstimatedHours, task.ActualHours,
		string(task.Status), task.Category, task.DepartmentID,
		task.ExpectedStartTime, task.ExpectedEndTime, task.ActualStartTime, task.ActualEndTime,
		task.IsCritical, task.EscalationReason, task.EscalatedAt,
		task.ParentTaskID, task.ParentProjectID, task.ParentBlocking,
		task.AssignedRoleID, task.AssignedCrewID, task.IsArchived,
		task.Version, task.CreatedAt, task.UpdatedAt,
	}
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
	)
	if err := row.Scan(
		&task.ID, &task.ProjectID, &task.Name, &task.Description,
		&task.PhaseOrder, &task.StepOrder, &task.TaskOrder,
		&task.PhaseName, &task.StepName, &task.EstimatedHours, &task.ActualHours,
		&status, &task.Category, &task.DepartmentID,
		&task.ExpectedStartTime, &task.ExpectedEndTime, &task.ActualStartTime, &task.ActualEndTime,
		&task.IsCritical, &task.EscalationReason, &task.EscalatedAt,
		&task.ParentTaskID, &task.ParentProjectID, &task.ParentBlocking,
		&task.AssignedRoleID, &task.AssignedCrewID, &task.IsArchived,
		&task.Version, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	return task, nil
}

func writeChildRows(ctx context.Context, tx pgx.Tx, task Task) error {
	for i, item := range task.Checklist {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_checklist (task_id, seq, text, completed) VALUES ($1,$2,$3,$4)`,
			task.ID, i, item.Text, item.Completed,
		); err != nil {
			return fmt.Errorf("insert checklist item: %w", err)
		}
	}
	for i, att := range task.Attachments {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_attachments (task_id, seq, name, url, type, size) VALUES ($1,$2,$3,$4,$5,$6)`,
			task.ID, i, att.Name, att.URL, att.Type, att.Size,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	for i, c := range task.Comments {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_comments (id, task_id, seq, text, author, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			c.ID, task.ID, i, c.Text, c.Author, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, task *Task) error {
	checkRows, err := s.pool.Query(ctx,
		`SELECT text, completed FROM task_checklist WHERE task_id=$1 ORDER BY seq`, task.ID)
	if err != nil {
		return fmt.Errorf("list checklist: %w", err)
	}
	defer checkRows.Close()
	for checkRows.Next() {
		var item ChecklistItem
		if err := checkRows.Scan(&item.Text, &item.Completed); err != nil {
			return fmt.Errorf("scan checklist item: %w", err)
		}
		task.Checklist = append(task.Checklist, item)
	}
	if err := checkRows.Err(); err != nil {
		return fmt.Errorf("iterate checklist: %w", err)
	}

	attRows, err := s.pool.Query(ctx,
		`SELECT name, url, type, size FROM task_attachments WHERE task_id=$1 ORDER BY seq`, task.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	defer attRows.Close()
	for attRows.Next() {
		var att Attachment
		if err := attRows.Scan(&att.Name, &att.URL, &att.Type, &att.Size); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		task.Attachments = append(task.Attachments, att)
	}
	if err := attRows.Err(); err != nil {
		return fmt.Errorf("iterate attachments: %w", err)
	}

	commentRows, err := s.pool.Query(ctx,
		`SELECT id, text, author, created_at FROM task_comments WHERE task_id=$1 ORDER BY seq`, task.ID)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	defer commentRows.Close()
	for commentRows.Next() {
		var c Comment
		if err := commentRows.Scan(&c.ID, &c.Text, &c.Author, &c.CreatedAt); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		task.Comments = append(task.Comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return fmt.Errorf("iterate comments: %w", err)
	}
	return nil
}
