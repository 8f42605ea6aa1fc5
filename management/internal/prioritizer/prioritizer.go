package prioritizer

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/store"
)

type Config struct {
	ImpactWeight       float64
	UrgencyWeight      float64
	EffortWeight       float64
	AutoApproveLowRisk bool
}

func DefaultConfig() Config {
	return Config{ImpactWeight: 0.6, UrgencyWeight: 0.3, EffortWeight: 0.1}
}

func (c Config) validate() error {
	sum := c.ImpactWeight + c.UrgencyWeight + c.EffortWeight
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("priority weights must sum to 1, got %.4f", sum)
	}
	return nil
}

// Scores is the full breakdown behind a task's priority.
type Scores struct {
	Impact       float64 `json:"impact"`
	Urgency      float64 `json:"urgency"`
	UrgencyLevel string  `json:"urgencyLevel"`
	Effort       float64 `json:"effort"`
	Priority     float64 `json:"priority"`
}

type Prioritizer struct {
	cfg Config
}

func New(cfg Config) (*Prioritizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Prioritizer{cfg: cfg}, nil
}

func (p *Prioritizer) Score(task models.Task) Scores {
	snap := task.Scores()
	impact := Impact(snap)
	urgency := Urgency(snap)
	effort := Effort(task)

	// Cheaper work scores higher: effort 0.2 (level 1) yields the full weight.
	inverse := 1.0
	if effort > 0 {
		inverse = math.Min(1/effort/maxEffortLevel, 1)
	}
	priority := impact*p.cfg.ImpactWeight + urgency*p.cfg.UrgencyWeight + inverse*p.cfg.EffortWeight

	return Scores{
		Impact:       impact,
		Urgency:      urgency,
		UrgencyLevel: UrgencyLevel(snap),
		Effort:       effort,
		Priority:     round(priority, 4),
	}
}

func (p *Prioritizer) Priority(task models.Task) float64 {
	return p.Score(task).Priority
}

// Prioritize scores every task and returns them highest priority first. Ties go to
// the older task, then to input order.
func (p *Prioritizer) Prioritize(tasks []models.Task) []models.Task {
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = applyScores(t, p.Score(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ShouldAutoApprove reports whether a task may skip human review. It is false
// whenever the global flag is off.
func (p *Prioritizer) ShouldAutoApprove(task models.Task) bool {
	if !p.cfg.AutoApproveLowRisk {
		return false
	}
	if !lowRiskTypes[task.TaskType] {
		return false
	}
	s := p.Score(task)
	return s.Impact < autoApproveMaxImpact && s.Effort < autoApproveMaxEffort
}

func applyScores(t models.Task, s Scores) models.Task {
	t.ImpactScore = s.Impact
	t.EffortScore = s.Effort
	t.PriorityScore = s.Priority
	t.Metadata = t.Metadata.Merge(map[string]interface{}{
		"priority_score": s.Priority,
		"impact":         s.Impact,
		"urgency":        s.Urgency,
		"urgency_level":  s.UrgencyLevel,
		"effort":         s.Effort,
	})
	return t
}

// TaskStore is the slice of the store the service needs.
type TaskStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error)
	UpdateTaskPriority(ctx context.Context, in store.PriorityUpdate) error
}

type Service struct {
	store  TaskStore
	p      *Prioritizer
	logger *log.Logger
}

func NewService(st TaskStore, p *Prioritizer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stdout, "[prioritizer] ", log.LstdFlags)
	}
	return &Service{store: st, p: p, logger: logger}
}

func (s *Service) Prioritizer() *Prioritizer {
	return s.p
}

// ReprioritizeProject rescores the project's PENDING tasks, persists the scores and
// returns the tasks in priority order, truncated to limit when limit > 0.
func (s *Service) ReprioritizeProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		ProjectID: &projectID,
		Statuses:  []models.TaskStatus{models.TaskPending},
	})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.logger.Printf("no tasks to prioritize for project %s", projectID)
		return []models.Task{}, nil
	}
	ordered := s.p.Prioritize(tasks)
	for _, t := range ordered {
		urgency, _ := t.Metadata.Float("urgency")
		if err := s.store.UpdateTaskPriority(ctx, store.PriorityUpdate{
			TaskID:       t.ID,
			Impact:       t.ImpactScore,
			Urgency:      urgency,
			UrgencyLevel: t.Metadata.String("urgency_level"),
			Effort:       t.EffortScore,
			Priority:     t.PriorityScore,
		}); err != nil {
			return nil, fmt.Errorf("persist priority for task %s: %w", t.ID, err)
		}
	}
	s.logger.Printf("prioritized %d tasks for project %s top=%.4f", len(ordered), projectID, ordered[0].PriorityScore)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

// RescoreTask recomputes and persists the scores of a single task.
func (s *Service) RescoreTask(ctx context.Context, task models.Task) (Scores, error) {
	sc := s.p.Score(task)
	err := s.store.UpdateTaskPriority(ctx, store.PriorityUpdate{
		TaskID:       task.ID,
		Impact:       sc.Impact,
		Urgency:      sc.Urgency,
		UrgencyLevel: sc.UrgencyLevel,
		Effort:       sc.Effort,
		Priority:     sc.Priority,
	})
	if err != nil {
		return Scores{}, fmt.Errorf("persist priority for task %s: %w", task.ID, err)
	}
	return sc, nil
}

// NextTask returns the highest-priority PENDING task of the project.
func (s *Service) NextTask(ctx context.Context, projectID uuid.UUID) (models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		ProjectID: &projectID,
		Statuses:  []models.TaskStatus{models.TaskPending},
		Limit:     1,
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("next task: %w", err)
	}
	if len(tasks) == 0 {
		return models.Task{}, store.ErrNotFound
	}
	return tasks[0], nil
}
