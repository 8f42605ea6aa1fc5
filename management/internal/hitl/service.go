// Package hitl holds the human-in-the-loop approval workflow: one approval per task,
// decided once by a reviewer.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/events"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/store"
)

const (
	defaultPendingLimit    = 50
	defaultHighImpactMin   = 0.7
	defaultHighImpactLimit = 20
	noReasonProvided       = "No reason provided"
)

type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	CreateApproval(ctx context.Context, in store.ApprovalInput) (models.HITLApproval, error)
	GetApprovalByTask(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error)
	DecideApproval(ctx context.Context, in store.DecisionInput) (models.HITLApproval, error)
	ListPendingApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.HITLApproval, error)
	CountPendingApprovals(ctx context.Context, projectID *uuid.UUID) (int, error)
	ApprovalStats(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error)
}

type Deployer interface {
	DeployTaskChanges(ctx context.Context, taskID uuid.UUID, correlationID string) (clients.DeployResult, error)
}

type Metrics struct {
	Approvals *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	Duration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_hitl_approvals_total",
			Help: "HITL decisions processed, by status.",
		}, []string{"status"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_hitl_errors_total",
			Help: "HITL processing errors by type.",
		}, []string{"error_type"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "management_hitl_processing_duration_seconds",
			Help:    "Duration of HITL approval processing.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Approvals, m.Errors, m.Duration)
	}
	return m
}

type Service struct {
	store    Store
	deployer Deployer
	pub      events.Publisher
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
}

// NewService builds the service. deployer may be nil, in which case auto_deploy
// requests are approved without deploying.
func NewService(st Store, deployer Deployer, pub events.Publisher, metrics *Metrics, logger *log.Logger) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[hitl] ", log.LstdFlags)
	}
	return &Service{
		store:    st,
		deployer: deployer,
		pub:      pub,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	DiffData       models.DiffData `json:"diff_data"`
	ImpactScore    *float64        `json:"impact_score,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
}

// Create opens the approval for a task and puts the task back to PENDING while it
// waits for review. A task a saga is working stays IN_PROGRESS so no other worker
// picks it up. A second approval for the same task fails with ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, taskID uuid.UUID, req CreateRequest, correlationID string) (models.HITLApproval, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return models.HITLApproval{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	inSaga := task.InSaga()
	if !inSaga && !models.CanTransitionTask(task.Status, models.TaskPending) {
		return models.HITLApproval{}, fmt.Errorf("task %s has status %s: %w", taskID, task.Status, store.ErrInvalidTransition)
	}
	approval, err := s.store.CreateApproval(ctx, store.ApprovalInput{
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		DiffData:       req.DiffData,
		ImpactScore:    req.ImpactScore,
		Recommendation: req.Recommendation,
		Metadata: models.Metadata{
			"correlation_id": correlationID,
			"created_by":     "management_service",
		},
	})
	if err != nil {
		return models.HITLApproval{}, err
	}
	if !inSaga {
		if _, err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskPending); err != nil {
			return approval, fmt.Errorf("mark task %s pending review: %w", task.ID, err)
		}
	}
	if err := s.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
		"diff_data":        req.DiffData,
		"hitl_approval_id": approval.ID.String(),
	}); err != nil {
		return approval, fmt.Errorf("attach diff to task %s: %w", task.ID, err)
	}
	s.logger.Printf("created approval task=%s project=%s impact=%v correlation=%s",
		task.ID, task.ProjectID, floatValue(req.ImpactScore), correlationID)
	return approval, nil
}

func (s *Service) Get(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error) {
	return s.store.GetApprovalByTask(ctx, taskID)
}

type Decision struct {
	Actor      string `json:"-"`
	AutoDeploy bool   `json:"auto_deploy"`
	Notes      string `json:"notes,omitempty"`
	Reason     string `json:"rejection_reason,omitempty"`
}

type ApproveResult struct {
	TaskID           uuid.UUID             `json:"task_id"`
	Status           string                `json:"status"`
	ApprovedBy       string                `json:"approved_by"`
	ApprovedAt       time.Time             `json:"approved_at"`
	AutoDeployed     bool                  `json:"auto_deployed"`
	DeploymentResult *clients.DeployResult `json:"deployment_result,omitempty"`
	DeploymentError  string                `json:"deployment_error,omitempty"`
}

// decide loads the task and moves its approval out of PENDING, classifying the
// failure for metrics. The approval is left untouched when the task can no
// longer move to target.
func (s *Service) decide(ctx context.Context, taskID uuid.UUID, target models.TaskStatus, in store.DecisionInput) (models.Task, models.HITLApproval, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Errors.WithLabelValues("task_not_found").Inc()
		}
		return models.Task{}, models.HITLApproval{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	current, err := s.store.GetApprovalByTask(ctx, taskID)
	if err == nil && current.Status != models.ApprovalPending {
		err = fmt.Errorf("hitl approval for task %s has status %s: %w", taskID, current.Status, store.ErrAlreadyProcessed)
	}
	if err := s.classify(taskID, err); err != nil {
		return task, current, err
	}
	if !models.CanTransitionTask(task.Status, target) {
		s.metrics.Errors.WithLabelValues("invalid_status").Inc()
		return task, current, fmt.Errorf("task %s %s -> %s: %w", taskID, task.Status, target, store.ErrInvalidTransition)
	}
	approval, err := s.store.DecideApproval(ctx, in)
	if err := s.classify(taskID, err); err != nil {
		return task, approval, err
	}
	return task, approval, nil
}

func (s *Service) classify(taskID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.Errors.WithLabelValues("approval_not_found").Inc()
		return fmt.Errorf("hitl approval for task %s: %w", taskID, err)
	case errors.Is(err, store.ErrAlreadyProcessed):
		s.metrics.Errors.WithLabelValues("already_processed").Inc()
	}
	return err
}

// Approve marks a PENDING approval APPROVED and the task APPROVED. With AutoDeploy
// the task is deployed right away; a failed deployment is reported in the result
// but does not undo the approval.
func (s *Service) Approve(ctx context.Context, taskID uuid.UUID, d Decision, correlationID string) (ApproveResult, error) {
	timer := prometheus.NewTimer(s.metrics.Duration)
	defer timer.ObserveDuration()

	if d.Actor == "" {
		return ApproveResult{}, fmt.Errorf("approved_by is required")
	}
	at := s.now()
	meta := models.Metadata{}
	if d.Notes != "" {
		meta["approval_notes"] = d.Notes
	}
	task, approval, err := s.decide(ctx, taskID, models.TaskApproved, store.DecisionInput{
		TaskID:   taskID,
		Status:   models.ApprovalApproved,
		Actor:    d.Actor,
		Notes:    d.Notes,
		At:       at,
		Metadata: meta,
	})
	if err != nil {
		return ApproveResult{}, err
	}
	if _, err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskApproved); err != nil {
		return ApproveResult{}, fmt.Errorf("mark task %s approved: %w", task.ID, err)
	}
	if err := s.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
		"approved_by": d.Actor,
		"approved_at": at.Format(time.RFC3339Nano),
	}); err != nil {
		return ApproveResult{}, fmt.Errorf("record approval on task %s: %w", task.ID, err)
	}
	s.metrics.Approvals.WithLabelValues("approved").Inc()
	s.logger.Printf("task %s approved by %s correlation=%s", task.ID, d.Actor, correlationID)

	autoDeploy := d.AutoDeploy
	if autoDeploy && task.InSaga() {
		s.logger.Printf("task %s belongs to a running saga, leaving deployment to it", task.ID)
		autoDeploy = false
	}
	res := ApproveResult{
		TaskID:       task.ID,
		Status:       "approved",
		ApprovedBy:   d.Actor,
		ApprovedAt:   at,
		AutoDeployed: autoDeploy,
	}
	if approval.ApprovedAt != nil {
		res.ApprovedAt = *approval.ApprovedAt
	}
	if autoDeploy && s.deployer != nil {
		dep, err := s.deployer.DeployTaskChanges(ctx, task.ID, correlationID)
		if err != nil {
			s.metrics.Errors.WithLabelValues("deployment_failed").Inc()
			s.logger.Printf("auto-deploy task %s failed correlation=%s: %v", task.ID, correlationID, err)
			res.DeploymentError = err.Error()
		} else {
			res.DeploymentResult = &dep
			s.logger.Printf("task %s deployed after approval change_id=%s", task.ID, dep.ChangeID)
		}
	}

	events.Emit(ctx, s.pub, s.logger, events.HITLApproved(events.HITLApprovedPayload{
		TaskID:        task.ID,
		ProjectID:     task.ProjectID,
		ApprovedBy:    d.Actor,
		ApprovedAt:    res.ApprovedAt,
		AutoDeployed:  autoDeploy,
		Notes:         d.Notes,
		CorrelationID: correlationID,
	}))
	return res, nil
}

type RejectResult struct {
	TaskID          uuid.UUID `json:"task_id"`
	Status          string    `json:"status"`
	RejectedBy      string    `json:"rejected_by"`
	RejectedAt      time.Time `json:"rejected_at"`
	RejectionReason string    `json:"rejection_reason"`
}

// Reject marks a PENDING approval REJECTED and the task REJECTED.
func (s *Service) Reject(ctx context.Context, taskID uuid.UUID, d Decision, correlationID string) (RejectResult, error) {
	timer := prometheus.NewTimer(s.metrics.Duration)
	defer timer.ObserveDuration()

	if d.Actor == "" {
		return RejectResult{}, fmt.Errorf("rejected_by is required")
	}
	at := s.now()
	reason := d.Reason
	if reason == "" {
		reason = noReasonProvided
	}
	meta := models.Metadata{}
	if d.Notes != "" {
		meta["rejection_notes"] = d.Notes
	}
	task, _, err := s.decide(ctx, taskID, models.TaskRejected, store.DecisionInput{
		TaskID:   taskID,
		Status:   models.ApprovalRejected,
		Actor:    d.Actor,
		Reason:   &reason,
		Notes:    d.Notes,
		At:       at,
		Metadata: meta,
	})
	if err != nil {
		return RejectResult{}, err
	}
	if _, err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskRejected); err != nil {
		return RejectResult{}, fmt.Errorf("mark task %s rejected: %w", task.ID, err)
	}
	if err := s.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
		"rejected_by":      d.Actor,
		"rejected_at":      at.Format(time.RFC3339Nano),
		"rejection_reason": d.Reason,
	}); err != nil {
		return RejectResult{}, fmt.Errorf("record rejection on task %s: %w", task.ID, err)
	}
	s.metrics.Approvals.WithLabelValues("rejected").Inc()
	s.logger.Printf("task %s rejected by %s reason=%q correlation=%s", task.ID, d.Actor, d.Reason, correlationID)
	return RejectResult{
		TaskID:          task.ID,
		Status:          "rejected",
		RejectedBy:      d.Actor,
		RejectedAt:      at,
		RejectionReason: d.Reason,
	}, nil
}

type BatchItem struct {
	TaskID  uuid.UUID      `json:"task_id"`
	Success bool           `json:"success"`
	Result  *ApproveResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type BatchResult struct {
	Total    int         `json:"total"`
	Approved int         `json:"approved"`
	Failed   int         `json:"failed"`
	Results  []BatchItem `json:"results"`
}

// BatchApprove approves each task independently; one failure never aborts the batch.
func (s *Service) BatchApprove(ctx context.Context, taskIDs []uuid.UUID, actor string, autoDeploy bool, correlationID string) BatchResult {
	out := BatchResult{Total: len(taskIDs), Results: make([]BatchItem, 0, len(taskIDs))}
	for _, id := range taskIDs {
		res, err := s.Approve(ctx, id, Decision{Actor: actor, AutoDeploy: autoDeploy}, correlationID)
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, BatchItem{TaskID: id, Error: err.Error()})
			s.logger.Printf("batch approve task %s failed correlation=%s: %v", id, correlationID, err)
			continue
		}
		out.Approved++
		out.Results = append(out.Results, BatchItem{TaskID: id, Success: true, Result: &res})
	}
	s.logger.Printf("batch approval completed: %d approved, %d failed correlation=%s", out.Approved, out.Failed, correlationID)
	return out
}

// Pending lists PENDING approvals, highest impact first, oldest first within a tie.
func (s *Service) Pending(ctx context.Context, projectID *uuid.UUID, limit, offset int) ([]models.HITLApproval, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	return s.store.ListPendingApprovals(ctx, store.ApprovalFilter{ProjectID: projectID, Limit: limit, Offset: offset})
}

func (s *Service) PendingCount(ctx context.Context, projectID *uuid.UUID) (int, error) {
	return s.store.CountPendingApprovals(ctx, projectID)
}

// HighImpactPending lists PENDING approvals whose impact is at least minImpact
// (0.7 when zero).
func (s *Service) HighImpactPending(ctx context.Context, projectID *uuid.UUID, minImpact float64, limit int) ([]models.HITLApproval, error) {
	if minImpact <= 0 {
		minImpact = defaultHighImpactMin
	}
	if limit <= 0 {
		limit = defaultHighImpactLimit
	}
	return s.store.ListPendingApprovals(ctx, store.ApprovalFilter{ProjectID: projectID, MinImpact: &minImpact, Limit: limit})
}

func (s *Service) Statistics(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error) {
	return s.store.ApprovalStats(ctx, projectID)
}

func floatValue(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
