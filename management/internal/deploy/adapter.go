// Package deploy sends approved changes to the client deployment gateway and keeps
// the changelog in step with what the gateway reports back.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"time"

	fortify "github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/archive"
	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/retry"
	"github.com/seomaster/platform/management/internal/store"
)

var (
	ErrInvalidChange = errors.New("invalid change")
	ErrNotApproved   = errors.New("task is not approved for deployment")
)

const (
	StatusApplied       = "applied"
	StatusFailed        = "failed"
	defaultPendingLimit = 50
	defaultMaxApproved  = 10
)

type Gateway interface {
	Deploy(ctx context.Context, correlationID string, req clients.DeployRequest) (clients.DeployResult, error)
	PendingChanges(ctx context.Context, correlationID string, projectID uuid.UUID, limit int) ([]map[string]interface{}, error)
	Confirm(ctx context.Context, correlationID, changeID string, req clients.ConfirmRequest) error
}

type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	InsertChangelog(ctx context.Context, in store.ChangelogInput) (models.Changelog, error)
	GetChangelogByChangeID(ctx context.Context, changeID string) (models.Changelog, error)
	ConfirmChangelog(ctx context.Context, in store.ConfirmInput) (models.Changelog, error)
}

type Config struct {
	Retry retry.Policy
}

type Adapter struct {
	gateway  Gateway
	store    Store
	archiver archive.Archiver
	policy   retry.Policy
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
}

// NewAdapter wires the adapter. archiver may be nil when archival is disabled.
func NewAdapter(gw Gateway, st Store, archiver archive.Archiver, cfg Config, metrics *Metrics, logger *log.Logger) *Adapter {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[deploy] ", log.LstdFlags)
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Adapter{
		gateway:  gw,
		store:    st,
		archiver: archiver,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ChangeRequest is one change to deploy. Changes must hold "before" and "after" objects.
type ChangeRequest struct {
	ProjectID  uuid.UUID
	TaskID     uuid.UUID
	ChangeType string
	EntityID   string
	EntityType string
	Changes    map[string]interface{}
	Priority   int
	Metadata   map[string]interface{}
}

// Validate rejects malformed requests before any network call.
func (r ChangeRequest) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("missing required field %s: %w", field, ErrInvalidChange)
	}
	switch {
	case r.ProjectID == uuid.Nil:
		return missing("project_id")
	case r.TaskID == uuid.Nil:
		return missing("task_id")
	case r.ChangeType == "":
		return missing("change_type")
	case r.EntityID == "":
		return missing("entity_id")
	case r.EntityType == "":
		return missing("entity_type")
	case r.Changes == nil:
		return missing("changes")
	}
	before, hasBefore := r.Changes["before"]
	after, hasAfter := r.Changes["after"]
	if !hasBefore || !hasAfter {
		return fmt.Errorf("changes must contain 'before' and 'after' keys: %w", ErrInvalidChange)
	}
	if _, ok := before.(map[string]interface{}); !ok {
		return fmt.Errorf("changes.before must be an object: %w", ErrInvalidChange)
	}
	if _, ok := after.(map[string]interface{}); !ok {
		return fmt.Errorf("changes.after must be an object: %w", ErrInvalidChange)
	}
	return nil
}

func (a *Adapter) payload(r ChangeRequest, correlationID string) clients.DeployRequest {
	priority := r.Priority
	if priority == 0 {
		priority = defaultPriority
	}
	meta := models.Metadata(r.Metadata).Merge(map[string]interface{}{
		"correlation_id": correlationID,
		"deployed_at":    a.now().Format(time.RFC3339Nano),
		"deployed_from":  "management_service",
	})
	return clients.DeployRequest{
		ProjectID:  r.ProjectID,
		TaskID:     r.TaskID,
		ChangeType: r.ChangeType,
		EntityID:   r.EntityID,
		EntityType: r.EntityType,
		Changes: clients.Changes{
			Before: r.Changes["before"].(map[string]interface{}),
			After:  r.Changes["after"].(map[string]interface{}),
		},
		Priority: priority,
		Metadata: meta,
	}
}

// Deploy validates the request and sends it to the gateway, retrying transient
// failures. 4xx responses are returned immediately.
func (a *Adapter) Deploy(ctx context.Context, correlationID string, r ChangeRequest) (clients.DeployResult, error) {
	if err := r.Validate(); err != nil {
		a.metrics.Errors.WithLabelValues("validation").Inc()
		return clients.DeployResult{}, err
	}
	req := a.payload(r, correlationID)
	a.logger.Printf("deploying task=%s project=%s change_type=%s entity=%s correlation=%s",
		r.TaskID, r.ProjectID, r.ChangeType, r.EntityID, correlationID)

	res, err := fortify.New[clients.DeployResult](a.policy.Config()).Do(ctx, func(ctx context.Context) (clients.DeployResult, error) {
		start := time.Now()
		out, err := a.gateway.Deploy(ctx, correlationID, req)
		a.metrics.Duration.Observe(time.Since(start).Seconds())
		a.record(err)
		return out, err
	})
	if err != nil {
		a.logger.Printf("deploy failed task=%s project=%s correlation=%s: %v", r.TaskID, r.ProjectID, correlationID, err)
		return clients.DeployResult{}, err
	}
	a.logger.Printf("deployed task=%s change_id=%s status=%s correlation=%s", r.TaskID, res.ChangeID, res.Status, correlationID)
	return res, nil
}

func (a *Adapter) record(err error) {
	if err == nil {
		a.metrics.Deployments.WithLabelValues(OutcomeSuccess).Inc()
		return
	}
	if isTimeout(err) {
		a.metrics.Deployments.WithLabelValues(OutcomeTimeout).Inc()
		a.metrics.Errors.WithLabelValues("timeout").Inc()
		return
	}
	a.metrics.Deployments.WithLabelValues(OutcomeError).Inc()
	a.metrics.Errors.WithLabelValues("http_error").Inc()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type ItemResult struct {
	Index   int                   `json:"index"`
	Success bool                  `json:"success"`
	Result  *clients.DeployResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type BatchResult struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results"`
}

// DeployMultiple deploys each request independently. Failures do not stop the batch
// and nothing already deployed is rolled back.
func (a *Adapter) DeployMultiple(ctx context.Context, correlationID string, reqs []ChangeRequest) BatchResult {
	out := BatchResult{Total: len(reqs), Results: make([]ItemResult, 0, len(reqs))}
	for i, r := range reqs {
		res, err := a.Deploy(ctx, correlationID, r)
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, ItemResult{Index: i, Error: err.Error()})
			continue
		}
		out.Succeeded++
		out.Results = append(out.Results, ItemResult{Index: i, Success: true, Result: &res})
	}
	if out.Failed > 0 {
		a.logger.Printf("failed to deploy %d out of %d changes correlation=%s", out.Failed, out.Total, correlationID)
	}
	return out
}

// ChangeRequestForTask builds the gateway request for a task.
func ChangeRequestForTask(task models.Task) ChangeRequest {
	changes := ExtractChanges(task)
	return ChangeRequest{
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		ChangeType: string(task.TaskType),
		EntityID:   task.URL,
		EntityType: EntityType(task.TaskType),
		Changes:    map[string]interface{}{"before": changes.Before, "after": changes.After},
		Priority:   Priority(task),
		Metadata:   task.Metadata,
	}
}

// changelogSource is "HITL" when a reviewer approved the task and "auto" otherwise.
func changelogSource(task models.Task) string {
	if task.Metadata.String("approved_by") != "" && task.Metadata["auto_approved"] != true {
		return "HITL"
	}
	return "auto"
}

// DeployTaskChanges deploys an APPROVED task. On success the task becomes DEPLOYED
// and an unapplied changelog row records the change id; on failure the task becomes
// FAILED with the error in its metadata.
func (a *Adapter) DeployTaskChanges(ctx context.Context, taskID uuid.UUID, correlationID string) (clients.DeployResult, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return clients.DeployResult{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != models.TaskApproved {
		return clients.DeployResult{}, fmt.Errorf("task %s has status %s: %w", taskID, task.Status, ErrNotApproved)
	}
	req := ChangeRequestForTask(task)
	res, err := a.Deploy(ctx, correlationID, req)
	if err != nil {
		a.markFailed(ctx, task, err)
		return clients.DeployResult{}, err
	}

	if _, err := a.store.UpdateTaskStatus(ctx, task.ID, models.TaskDeployed); err != nil {
		return res, fmt.Errorf("mark task %s deployed: %w", task.ID, err)
	}
	deployedAt := a.now()
	if err := a.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
		"deployment": map[string]interface{}{
			"change_id":   res.ChangeID,
			"deployed_at": deployedAt.Format(time.RFC3339Nano),
			"status":      res.Status,
		},
	}); err != nil {
		return res, fmt.Errorf("record deployment on task %s: %w", task.ID, err)
	}
	tid := task.ID
	if _, err := a.store.InsertChangelog(ctx, store.ChangelogInput{
		ProjectID:   task.ProjectID,
		TaskID:      &tid,
		ChangeID:    res.ChangeID,
		EntityID:    task.URL,
		EntityType:  req.EntityType,
		ChangeType:  req.ChangeType,
		BeforeValue: req.Changes["before"].(map[string]interface{}),
		AfterValue:  req.Changes["after"].(map[string]interface{}),
		Applied:     false,
		Source:      changelogSource(task),
		Metadata: models.Metadata{
			"change_id":         res.ChangeID,
			"correlation_id":    correlationID,
			"deployment_status": res.Status,
			"created_at":        deployedAt.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return res, fmt.Errorf("write changelog for task %s: %w", task.ID, err)
	}
	a.logger.Printf("task %s deployed change_id=%s correlation=%s", task.ID, res.ChangeID, correlationID)
	return res, nil
}

func (a *Adapter) markFailed(ctx context.Context, task models.Task, cause error) {
	if _, err := a.store.UpdateTaskStatus(ctx, task.ID, models.TaskFailed); err != nil {
		a.logger.Printf("mark task %s failed: %v", task.ID, err)
	}
	if err := a.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
		"error": map[string]interface{}{
			"message":   cause.Error(),
			"failed_at": a.now().Format(time.RFC3339Nano),
		},
	}); err != nil {
		a.logger.Printf("record failure on task %s: %v", task.ID, err)
	}
}

type TaskResult struct {
	TaskID  uuid.UUID             `json:"task_id"`
	Success bool                  `json:"success"`
	Result  *clients.DeployResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// DeployApprovedTasks deploys up to max APPROVED tasks of the project, highest
// average_impact_score first. Tasks driven by a saga are left to the saga, which
// queues their change itself.
func (a *Adapter) DeployApprovedTasks(ctx context.Context, projectID uuid.UUID, max int, correlationID string) ([]TaskResult, error) {
	if max <= 0 {
		max = defaultMaxApproved
	}
	tasks, err := a.store.ListTasks(ctx, store.TaskFilter{
		ProjectID: &projectID,
		Statuses:  []models.TaskStatus{models.TaskApproved},
	})
	if err != nil {
		return nil, fmt.Errorf("list approved tasks: %w", err)
	}
	kept := 0
	for _, t := range tasks {
		if t.Metadata.String("saga_id") == "" {
			tasks[kept] = t
			kept++
		}
	}
	tasks = tasks[:kept]
	sort.SliceStable(tasks, func(i, j int) bool {
		vi, iok := tasks[i].Metadata.Float("average_impact_score")
		vj, jok := tasks[j].Metadata.Float("average_impact_score")
		if iok != jok {
			return iok
		}
		return vi > vj
	})
	if len(tasks) > max {
		tasks = tasks[:max]
	}
	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		res, err := a.DeployTaskChanges(ctx, t.ID, correlationID)
		if err != nil {
			results = append(results, TaskResult{TaskID: t.ID, Error: err.Error()})
			continue
		}
		results = append(results, TaskResult{TaskID: t.ID, Success: true, Result: &res})
	}
	a.logger.Printf("deployed %d tasks for project %s correlation=%s", len(results), projectID, correlationID)
	return results, nil
}

func (a *Adapter) PendingChanges(ctx context.Context, projectID uuid.UUID, limit int, correlationID string) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	changes, err := a.gateway.PendingChanges(ctx, correlationID, projectID, limit)
	if err != nil {
		a.logger.Printf("pending changes project=%s correlation=%s: %v", projectID, correlationID, err)
		return nil, err
	}
	return changes, nil
}

// DeploymentStatus finds changeID among the project's pending changes. A change
// that is no longer pending reports {"status": "not_found"}.
func (a *Adapter) DeploymentStatus(ctx context.Context, projectID uuid.UUID, changeID, correlationID string) (map[string]interface{}, error) {
	changes, err := a.gateway.PendingChanges(ctx, correlationID, projectID, 0)
	if err != nil {
		a.logger.Printf("deployment status project=%s change=%s correlation=%s: %v", projectID, changeID, correlationID, err)
		return nil, err
	}
	for _, c := range changes {
		if id, _ := c["change_id"].(string); id == changeID {
			return c, nil
		}
	}
	return map[string]interface{}{"status": "not_found"}, nil
}

// Confirmation is the gateway's report on a deployed change.
type Confirmation struct {
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

// ConfirmChange records the gateway's confirmation on the changelog row carrying
// changeID. Confirmed rows are archived when an archiver is configured.
func (a *Adapter) ConfirmChange(ctx context.Context, changeID string, c Confirmation) (models.Changelog, error) {
	entry, err := a.store.GetChangelogByChangeID(ctx, changeID)
	if err != nil {
		return models.Changelog{}, fmt.Errorf("changelog for change %s: %w", changeID, err)
	}
	appliedAt := c.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = a.now()
	}
	confirmed, err := a.store.ConfirmChangelog(ctx, store.ConfirmInput{
		ID:           entry.ID,
		Applied:      c.Status == StatusApplied,
		AppliedAt:    appliedAt,
		ErrorMessage: c.ErrorMessage,
	})
	if err != nil {
		return models.Changelog{}, err
	}
	a.logger.Printf("change %s confirmed status=%s applied=%t", changeID, c.Status, confirmed.Applied)
	if a.archiver != nil {
		if key, err := a.archiver.ArchiveChangelog(ctx, confirmed); err != nil {
			a.logger.Printf("archive changelog %s: %v", confirmed.ID, err)
		} else {
			a.logger.Printf("archived changelog %s to %s", confirmed.ID, key)
		}
	}
	return confirmed, nil
}

// ConfirmRemote forwards a confirmation to the gateway's confirmation endpoint.
func (a *Adapter) ConfirmRemote(ctx context.Context, correlationID, changeID string, c Confirmation) error {
	if c.AppliedAt.IsZero() {
		c.AppliedAt = a.now()
	}
	return a.gateway.Confirm(ctx, correlationID, changeID, clients.ConfirmRequest{
		Status:       c.Status,
		ErrorMessage: c.ErrorMessage,
		AppliedAt:    c.AppliedAt,
	})
}
