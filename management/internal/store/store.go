package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/seomaster/platform/management/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

//go:embed schema.sql
var schemaSQL string

type Store interface {
	CreateProject(ctx context.Context, in ProjectInput) (models.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (models.Project, error)
	ListActiveProjects(ctx context.Context) ([]models.Project, error)
	MergeProjectMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error

	CreateTask(ctx context.Context, in TaskInput) (models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	UpdateTaskPriority(ctx context.Context, in PriorityUpdate) error

	CreateApproval(ctx context.Context, in ApprovalInput) (models.HITLApproval, error)
	GetApprovalByTask(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error)
	DecideApproval(ctx context.Context, in DecisionInput) (models.HITLApproval, error)
	ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]models.HITLApproval, error)
	CountPendingApprovals(ctx context.Context, projectID *uuid.UUID) (int, error)
	ApprovalStats(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error)

	InsertChangelog(ctx context.Context, in ChangelogInput) (models.Changelog, error)
	GetChangelogByChangeID(ctx context.Context, changeID string) (models.Changelog, error)
	FindLatestChangelog(ctx context.Context, projectID uuid.UUID, entityID, changeType string) (models.Changelog, error)
	ConfirmChangelog(ctx context.Context, in ConfirmInput) (models.Changelog, error)
	MarkChangelogApplied(ctx context.Context, id uuid.UUID) error

	SaveSaga(ctx context.Context, exec models.SagaExecution) error
	GetSaga(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error)
	ListSagas(ctx context.Context, state models.SagaState, limit int) ([]models.SagaExecution, error)

	Ping(ctx context.Context) error
}

type ProjectInput struct {
	ID       uuid.UUID
	Name     string
	Domain   string
	Platform string
	IsActive bool
	Settings models.Metadata
	Metadata models.Metadata
}

type TaskInput struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	TaskType    models.TaskType
	Status      models.TaskStatus
	URL         string
	Title       string
	Description string
	Metadata    models.Metadata
}

type TaskFilter struct {
	ProjectID *uuid.UUID
	Statuses  []models.TaskStatus
	Limit     int
}

type PriorityUpdate struct {
	TaskID       uuid.UUID
	Impact       float64
	Urgency      float64
	UrgencyLevel string
	Effort       float64
	Priority     float64
}

type ApprovalInput struct {
	ID             uuid.UUID
	TaskID         uuid.UUID
	ProjectID      uuid.UUID
	DiffData       models.DiffData
	ImpactScore    *float64
	Recommendation string
	Metadata       models.Metadata
}

type DecisionInput struct {
	TaskID   uuid.UUID
	Status   models.ApprovalStatus
	Actor    string
	Reason   *string
	Notes    string
	At       time.Time
	Metadata models.Metadata
}

type ApprovalFilter struct {
	ProjectID *uuid.UUID
	MinImpact *float64
	Limit     int
	Offset    int
}

type ChangelogInput struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	TaskID      *uuid.UUID
	ChangeID    string
	EntityID    string
	EntityType  string
	ChangeType  string
	BeforeValue map[string]interface{}
	AfterValue  map[string]interface{}
	Applied     bool
	AppliedAt   *time.Time
	Source      string
	Metadata    models.Metadata
}

type ConfirmInput struct {
	ID           uuid.UUID
	Applied      bool
	AppliedAt    time.Time
	ErrorMessage *string
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(`{}`), nil
	}
	return b, nil
}

func unmarshalMetadata(raw []byte) (models.Metadata, error) {
	out := models.Metadata{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = models.Metadata{}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullFloatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func statusStrings(statuses []models.TaskStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
