// Package tasks creates and lists optimization tasks.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/events"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/prioritizer"
	"github.com/seomaster/platform/management/internal/store"
)

var ErrInvalidTask = errors.New("invalid task")

const (
	maxURLLength     = 2048
	maxTitleLength   = 500
	defaultListLimit = 10
	systemApprover   = "system"
)

type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (models.Project, error)
	CreateTask(ctx context.Context, in store.TaskInput) (models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	UpdateTaskPriority(ctx context.Context, in store.PriorityUpdate) error
}

type NewTask struct {
	ProjectID   uuid.UUID       `json:"project_id"`
	TaskType    models.TaskType `json:"task_type"`
	URL         string          `json:"url"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    models.Metadata `json:"metadata,omitempty"`
}

func (n NewTask) Validate() error {
	switch {
	case n.ProjectID == uuid.Nil:
		return fmt.Errorf("project_id required: %w", ErrInvalidTask)
	case !n.TaskType.Valid():
		return fmt.Errorf("unknown task_type %q: %w", n.TaskType, ErrInvalidTask)
	case n.URL == "":
		return fmt.Errorf("url required: %w", ErrInvalidTask)
	case len(n.URL) > maxURLLength:
		return fmt.Errorf("url longer than %d characters: %w", maxURLLength, ErrInvalidTask)
	case len(n.Title) > maxTitleLength:
		return fmt.Errorf("title longer than %d characters: %w", maxTitleLength, ErrInvalidTask)
	}
	return nil
}

type Service struct {
	store  Store
	prio   *prioritizer.Service
	pub    events.Publisher
	logger *log.Logger
	now    func() time.Time
}

func NewService(st Store, prio *prioritizer.Service, pub events.Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stdout, "[tasks] ", log.LstdFlags)
	}
	return &Service{
		store:  st,
		prio:   prio,
		pub:    pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a PENDING task, scores it and announces it. Low-risk tasks that
// pass the auto-approve gate go straight to APPROVED without review.
func (s *Service) Create(ctx context.Context, in NewTask, correlationID string) (models.Task, error) {
	if err := in.Validate(); err != nil {
		return models.Task{}, err
	}
	if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
		return models.Task{}, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	task, err := s.store.CreateTask(ctx, store.TaskInput{
		ProjectID:   in.ProjectID,
		TaskType:    in.TaskType,
		Status:      models.TaskPending,
		URL:         in.URL,
		Title:       in.Title,
		Description: in.Description,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}

	sc, err := s.prio.RescoreTask(ctx, task)
	if err != nil {
		return task, err
	}
	s.logger.Printf("task %s created type=%s priority=%.4f correlation=%s", task.ID, task.TaskType, sc.Priority, correlationID)
	events.Emit(ctx, s.pub, s.logger, events.TaskCreated(task, correlationID))

	if s.prio.Prioritizer().ShouldAutoApprove(task) {
		if _, err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskApproved); err != nil {
			return task, fmt.Errorf("auto-approve task %s: %w", task.ID, err)
		}
		if err := s.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
			"auto_approved": true,
			"approved_by":   systemApprover,
			"approved_at":   s.now().Format(time.RFC3339Nano),
		}); err != nil {
			return task, fmt.Errorf("record auto-approval on task %s: %w", task.ID, err)
		}
		s.logger.Printf("task %s auto-approved impact=%.4f effort=%.4f", task.ID, sc.Impact, sc.Effort)
	}
	return s.store.GetTask(ctx, task.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListPrioritized returns the project's PENDING tasks best first without
// persisting the scores; ReprioritizeProject is the persisting variant.
func (s *Service) ListPrioritized(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		ProjectID: &projectID,
		Statuses:  []models.TaskStatus{models.TaskPending},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	ordered := s.prio.Prioritizer().Prioritize(tasks)
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func (s *Service) ReprioritizeProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error) {
	return s.prio.ReprioritizeProject(ctx, projectID, limit)
}
