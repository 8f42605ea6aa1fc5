package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/auth"
	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/hitl"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/saga"
	"github.com/seomaster/platform/management/internal/tasks"
)

const (
	defaultPageSize     = 50
	defaultPrioritized  = 10
	defaultReprioritize = 100
	defaultHighImpact   = 0.7
	defaultHighLimit    = 20
	defaultDeployBatch  = 10
	defaultInterlinks   = 100
	maxBatchApprove     = 100
)

type createTaskRequest struct {
	ProjectID   uuid.UUID       `json:"project_id"`
	TaskType    models.TaskType `json:"task_type"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Metadata    models.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	task, err := s.deps.Tasks.Create(r.Context(), tasks.NewTask{
		ProjectID:   req.ProjectID,
		TaskType:    req.TaskType,
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	}, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePrioritized(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, err := queryInt(r, "limit", defaultPrioritized)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Tasks.ListPrioritized(r.Context(), projectID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"tasks":      list,
		"count":      len(list),
	})
}

func (s *Server) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, err := queryInt(r, "limit", defaultReprioritize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Tasks.ReprioritizeProject(r.Context(), projectID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id":      projectID,
		"tasks_processed": len(list),
		"correlation_id":  CorrelationID(r.Context()),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryProject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Reviews.Pending(r.Context(), projectID, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": list,
		"count":     len(list),
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryProject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	n, err := s.deps.Reviews.PendingCount(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) handleHighImpact(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryProject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	minImpact, err := queryFloat(r, "min_impact", defaultHighImpact)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultHighLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Reviews.HighImpactPending(r.Context(), projectID, minImpact, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"approvals": list, "count": len(list)})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	projectID, err := queryProject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	stats, err := s.deps.Reviews.Statistics(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	ap, err := s.deps.Reviews.Get(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ap)
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req hitl.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	ap, err := s.deps.Reviews.Create(r.Context(), taskID, req, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ap)
}

// decision reads an optional approve/reject body. An empty body is allowed.
func decision(w http.ResponseWriter, r *http.Request) (hitl.Decision, error) {
	var d hitl.Decision
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &d); err != nil {
			return d, err
		}
	}
	d.Actor = auth.ReviewerFromContext(r.Context())
	return d, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	d, err := decision(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	res, err := s.deps.Reviews.Approve(r.Context(), taskID, d, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	d, err := decision(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	res, err := s.deps.Reviews.Reject(r.Context(), taskID, d, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type batchApproveRequest struct {
	TaskIDs    []uuid.UUID `json:"task_ids"`
	AutoDeploy bool        `json:"auto_deploy"`
}

func (s *Server) handleBatchApprove(w http.ResponseWriter, r *http.Request) {
	var req batchApproveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if len(req.TaskIDs) == 0 || len(req.TaskIDs) > maxBatchApprove {
		respondError(w, http.StatusBadRequest, "task_ids must hold between 1 and 100 ids")
		return
	}
	res := s.deps.Reviews.BatchApprove(r.Context(), req.TaskIDs, auth.ReviewerFromContext(r.Context()), req.AutoDeploy, CorrelationID(r.Context()))
	respondJSON(w, http.StatusOK, res)
}

type optimizationRequest struct {
	ProjectID uuid.UUID  `json:"project_id"`
	URL       string     `json:"url"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
}

func (s *Server) handleStartOptimization(w http.ResponseWriter, r *http.Request) {
	var req optimizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if req.ProjectID == uuid.Nil || strings.TrimSpace(req.URL) == "" {
		respondError(w, http.StatusBadRequest, "project_id and url are required")
		return
	}
	exec, err := s.deps.Sagas.Start(r.Context(), saga.Params{
		ProjectID:     req.ProjectID,
		URL:           req.URL,
		TaskID:        req.TaskID,
		CorrelationID: CorrelationID(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid saga id")
		return
	}
	exec, err := s.deps.Sagas.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleInterlinks(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "project_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	maxPages, err := queryInt(r, "max_pages", defaultInterlinks)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Interlinks.GenerateForProject(r.Context(), projectID, maxPages, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
}

func (s *Server) handleConfirmChange(w http.ResponseWriter, r *http.Request) {
	changeID := chi.URLParam(r, "change_id")
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	c := deploy.Confirmation{Status: req.Status, ErrorMessage: req.ErrorMessage, AppliedAt: time.Now().UTC()}
	if req.AppliedAt != nil {
		c.AppliedAt = req.AppliedAt.UTC()
	}
	entry, err := s.deps.Deployments.ConfirmChange(r.Context(), changeID, c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "confirmed",
		"change_id": changeID,
		"changelog": entry,
	})
}

func (s *Server) handlePendingChanges(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "project_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	changes, err := s.deps.Deployments.PendingChanges(r.Context(), projectID, limit, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"changes": changes, "count": len(changes)})
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "project_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	status, err := s.deps.Deployments.DeploymentStatus(r.Context(), projectID, chi.URLParam(r, "change_id"), CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeployApproved(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	batch, err := queryInt(r, "max", defaultDeployBatch)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Deployments.DeployApprovedTasks(r.Context(), projectID, batch, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"total":      len(results),
		"succeeded":  succeeded,
		"results":    results,
	})
}
