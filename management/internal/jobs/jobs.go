// Package jobs holds the periodic maintenance work of the management service and
// the scheduler that runs it.
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/models"
)

const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"

	reasonSemanticMissing = "semantic_service_not_configured"
	defaultDeployBatch    = 10
)

type ProjectLister interface {
	ListActiveProjects(ctx context.Context) ([]models.Project, error)
}

type FFScoreRecalculator interface {
	Configured() bool
	RecalculateFFScore(ctx context.Context, correlationID string, projectID uuid.UUID, crawlID, pageURL string) error
}

type Reprioritizer interface {
	ReprioritizeProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error)
}

type ApprovedDeployer interface {
	DeployApprovedTasks(ctx context.Context, projectID uuid.UUID, max int, correlationID string) ([]deploy.TaskResult, error)
}

type Service struct {
	projects ProjectLister
	semantic FFScoreRecalculator
	prio     Reprioritizer
	deployer ApprovedDeployer
	logger   *log.Logger
	now      func() time.Time
}

func NewService(projects ProjectLister, semantic FFScoreRecalculator, prio Reprioritizer, deployer ApprovedDeployer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stdout, "[jobs] ", log.LstdFlags)
	}
	return &Service{
		projects: projects,
		semantic: semantic,
		prio:     prio,
		deployer: deployer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type ProjectError struct {
	ProjectID uuid.UUID `json:"project_id"`
	Error     string    `json:"error"`
}

type FFScoreResult struct {
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	TotalProjects int            `json:"total_projects"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Errors        []ProjectError `json:"errors"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// DailyFFScoreRecalculation asks the semantic service to refresh the FF-score of
// every active project. Per-project failures are collected, not returned.
func (s *Service) DailyFFScoreRecalculation(ctx context.Context) (FFScoreResult, error) {
	if s.semantic == nil || !s.semantic.Configured() {
		s.logger.Printf("ffscore recalculation skipped: semantic service not configured")
		return FFScoreResult{Status: StatusSkipped, Reason: reasonSemanticMissing, CompletedAt: s.now()}, nil
	}
	projects, err := s.projects.ListActiveProjects(ctx)
	if err != nil {
		return FFScoreResult{}, fmt.Errorf("list active projects: %w", err)
	}
	res := FFScoreResult{Status: StatusCompleted, TotalProjects: len(projects), Errors: []ProjectError{}}
	for _, p := range projects {
		crawlID, pageURL := recalcTarget(p)
		if err := s.semantic.RecalculateFFScore(ctx, "ffscore-recalc-"+p.ID.String(), p.ID, crawlID, pageURL); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ProjectError{ProjectID: p.ID, Error: err.Error()})
			s.logger.Printf("ffscore recalculation for project %s failed: %v", p.ID, err)
			continue
		}
		res.Succeeded++
	}
	res.CompletedAt = s.now()
	s.logger.Printf("ffscore recalculation: %d/%d projects succeeded", res.Succeeded, res.TotalProjects)
	return res, nil
}

// recalcTarget picks the latest crawl and the root URL recorded on the project.
// The domain is used as URL only when it already carries a scheme.
func recalcTarget(p models.Project) (crawlID, pageURL string) {
	crawlID = p.Metadata.String("latest_crawl_id")
	if crawlID == "" {
		crawlID = p.Metadata.String("crawl_id")
	}
	pageURL = p.Metadata.String("root_url")
	if pageURL == "" {
		pageURL = p.Metadata.String("url")
	}
	if pageURL == "" && strings.Contains(p.Domain, "://") {
		pageURL = p.Domain
	}
	return crawlID, pageURL
}

type ProjectOutcome struct {
	ProjectID      uuid.UUID `json:"project_id"`
	TasksProcessed int       `json:"tasks_processed"`
	Error          string    `json:"error,omitempty"`
}

type BatchResult struct {
	Status        string           `json:"status"`
	Projects      []ProjectOutcome `json:"projects"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// ReprioritizeProjectTasks rescores one project's PENDING tasks and returns how
// many were scored.
func (s *Service) ReprioritizeProjectTasks(ctx context.Context, projectID uuid.UUID, limit int, correlationID string) (int, error) {
	tasks, err := s.prio.ReprioritizeProject(ctx, projectID, limit)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("reprioritized %d tasks for project %s correlation=%s", len(tasks), projectID, correlationID)
	return len(tasks), nil
}

func (s *Service) ReprioritizeAllProjects(ctx context.Context, correlationID string) (BatchResult, error) {
	return s.eachProject(ctx, correlationID, func(p models.Project) (int, error) {
		return s.ReprioritizeProjectTasks(ctx, p.ID, 0, correlationID)
	})
}

// DeployApproved pushes approved, non-saga tasks of every active project to the
// client gateway.
func (s *Service) DeployApproved(ctx context.Context, correlationID string) (BatchResult, error) {
	return s.eachProject(ctx, correlationID, func(p models.Project) (int, error) {
		results, err := s.deployer.DeployApprovedTasks(ctx, p.ID, defaultDeployBatch, correlationID)
		if err != nil {
			return 0, err
		}
		ok := 0
		for _, r := range results {
			if r.Success {
				ok++
			}
		}
		return ok, nil
	})
}

func (s *Service) eachProject(ctx context.Context, correlationID string, fn func(models.Project) (int, error)) (BatchResult, error) {
	projects, err := s.projects.ListActiveProjects(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active projects: %w", err)
	}
	res := BatchResult{Status: StatusCompleted, CorrelationID: correlationID, Projects: make([]ProjectOutcome, 0, len(projects))}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := fn(p)
		out := ProjectOutcome{ProjectID: p.ID, TasksProcessed: n}
		if err != nil {
			out.Error = err.Error()
			s.logger.Printf("project %s: %v correlation=%s", p.ID, err, correlationID)
		}
		res.Projects = append(res.Projects, out)
	}
	res.CompletedAt = s.now()
	return res, nil
}
