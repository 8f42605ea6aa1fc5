package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/seomaster/platform/management/internal/models"
)

const projectColumns = `id, name, domain, platform, is_active, settings, metadata, created_at, updated_at`

func scanProject(row rowScanner) (models.Project, error) {
	var (
		p                  models.Project
		settings, metadata []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Domain, &p.Platform, &p.IsActive, &settings, &metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Project{}, err
	}
	var err error
	if p.Settings, err = unmarshalMetadata(settings); err != nil {
		return models.Project{}, fmt.Errorf("decode project settings: %w", err)
	}
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return models.Project{}, fmt.Errorf("decode project metadata: %w", err)
	}
	return p, nil
}

func (s *PGStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Platform == "" {
		in.Platform = "wordpress"
	}
	settings, err := marshalJSON(in.Settings)
	if err != nil {
		return models.Project{}, fmt.Errorf("encode project settings: %w", err)
	}
	metadata, err := marshalJSON(in.Metadata)
	if err != nil {
		return models.Project{}, fmt.Errorf("encode project metadata: %w", err)
	}
	query := `
		INSERT INTO projects (id, name, domain, platform, is_active, settings, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + projectColumns
	p, err := scanProject(s.db.QueryRowContext(ctx, query, in.ID, in.Name, in.Domain, in.Platform, in.IsActive, settings, metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Project{}, fmt.Errorf("project %s: %w", in.Domain, ErrAlreadyExists)
		}
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetProject(ctx context.Context, id uuid.UUID) (models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListActiveProjects(ctx context.Context) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE is_active = TRUE ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	defer rows.Close()
	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) MergeProjectMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	raw, err := marshalJSON(patch)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("merge project metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id, project_id, task_type, status, url, title, description, impact_score, effort_score,
	priority_score, metadata, assigned_to, started_at, completed_at, deployed_at, created_at, updated_at`

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t                                 models.Task
		metadata                          []byte
		assignedTo                        sql.NullString
		startedAt, completedAt, deployedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.TaskType, &t.Status, &t.URL, &t.Title, &t.Description,
		&t.ImpactScore, &t.EffortScore, &t.PriorityScore, &metadata, &assignedTo,
		&startedAt, &completedAt, &deployedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	md, err := unmarshalMetadata(metadata)
	if err != nil {
		return models.Task{}, fmt.Errorf("decode task metadata: %w", err)
	}
	t.Metadata = md
	t.AssignedTo = nullStringPtr(assignedTo)
	t.StartedAt = nullTimePtr(startedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	t.DeployedAt = nullTimePtr(deployedAt)
	return t, nil
}

func (s *PGStore) CreateTask(ctx context.Context, in TaskInput) (models.Task, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.TaskPending
	}
	metadata, err := marshalJSON(in.Metadata)
	if err != nil {
		return models.Task{}, fmt.Errorf("encode task metadata: %w", err)
	}
	query := `
		INSERT INTO tasks (id, project_id, task_type, status, url, title, description, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + taskColumns
	t, err := scanTask(s.db.QueryRowContext(ctx, query, in.ID, in.ProjectID, string(in.TaskType), string(in.Status),
		in.URL, in.Title, in.Description, metadata))
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *PGStore) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::uuid IS NULL OR project_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY priority_score DESC, created_at ASC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, nullUUID(filter.ProjectID), pq.Array(statusStrings(filter.Statuses)), nullLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus refuses any move out of a terminal status other than a
// relabel to FAILED or CANCELLED.
func (s *PGStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error) {
	query := `
		UPDATE tasks SET
			status = $2,
			updated_at = NOW(),
			started_at = CASE WHEN $2 = 'IN_PROGRESS' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN NOW() ELSE completed_at END,
			deployed_at = CASE WHEN $2 = 'DEPLOYED' THEN NOW() ELSE deployed_at END
		WHERE id = $1 AND (NOT (status = ANY($3)) OR $2 = ANY($4))
		RETURNING ` + taskColumns
	terminal := pq.Array(statusStrings(models.TerminalTaskStatuses))
	relabel := pq.Array(statusStrings(models.TerminalRelabelStatuses))
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id, string(status), terminal, relabel))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("update task status: %w", err)
	}
	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, ErrNotFound
		}
		return models.Task{}, fmt.Errorf("read task status: %w", err)
	}
	return models.Task{}, fmt.Errorf("task %s %s -> %s: %w", id, current, status, ErrInvalidTransition)
}

func (s *PGStore) MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	raw, err := marshalJSON(patch)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("merge task metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateTaskPriority(ctx context.Context, in PriorityUpdate) error {
	patch, err := marshalJSON(priorityMetadata(in))
	if err != nil {
		return fmt.Errorf("encode priority metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET impact_score = $2, effort_score = $3, priority_score = $4,
			metadata = COALESCE(metadata, '{}'::jsonb) || $5::jsonb, updated_at = NOW()
		WHERE id = $1`, in.TaskID, in.Impact, in.Effort, in.Priority, patch)
	if err != nil {
		return fmt.Errorf("update task priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func priorityMetadata(in PriorityUpdate) map[string]interface{} {
	return map[string]interface{}{
		"priority_score":      in.Priority,
		"impact":              in.Impact,
		"urgency":             in.Urgency,
		"urgency_level":       in.UrgencyLevel,
		"effort":              in.Effort,
		"priority_updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
}
