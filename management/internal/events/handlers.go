package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/prioritizer"
	"github.com/seomaster/platform/management/internal/store"
)

// HandlerStore is the slice of the store the inbound handlers touch.
type HandlerStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	MergeProjectMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
}

type Rescorer interface {
	RescoreTask(ctx context.Context, task models.Task) (prioritizer.Scores, error)
}

// Handlers applies inbound audit and scoring events to tasks and projects.
type Handlers struct {
	store    HandlerStore
	rescorer Rescorer
	logger   *log.Logger
	now      func() time.Time
}

func NewHandlers(st HandlerStore, rescorer Rescorer, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(os.Stdout, "[events] ", log.LstdFlags)
	}
	return &Handlers{store: st, rescorer: rescorer, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// inbound accepts either a full envelope or a bare payload object.
type inbound map[string]interface{}

func decodeInbound(raw []byte) (inbound, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if p, ok := doc["payload"].(map[string]interface{}); ok {
		return inbound(p), nil
	}
	return inbound(doc), nil
}

func (in inbound) first(keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := in[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func (in inbound) uuid(key string) (*uuid.UUID, error) {
	raw, _ := in[key].(string)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return &id, nil
}

type CrawlCompletedResult struct {
	TaskID         *uuid.UUID  `json:"task_id,omitempty"`
	ProjectID      *uuid.UUID  `json:"project_id,omitempty"`
	CrawlID        interface{} `json:"crawl_id"`
	AuditID        interface{} `json:"audit_id"`
	UpdatedTasks   int         `json:"updated_tasks"`
	UpdatedProject bool        `json:"updated_project"`
}

// CrawlCompleted records crawl and audit references on the task and its project.
func (h *Handlers) CrawlCompleted(ctx context.Context, raw []byte, correlationID string) (CrawlCompletedResult, error) {
	in, err := decodeInbound(raw)
	if err != nil {
		return CrawlCompletedResult{}, err
	}
	taskID, err := in.uuid("task_id")
	if err != nil {
		return CrawlCompletedResult{}, err
	}
	projectID, err := in.uuid("project_id")
	if err != nil {
		return CrawlCompletedResult{}, err
	}
	res := CrawlCompletedResult{
		TaskID:  taskID,
		CrawlID: in.first("crawl_id", "audit_id"),
		AuditID: in.first("audit_id", "crawl_id"),
	}
	summary := in.first("summary")
	if summary == nil {
		summary = map[string]interface{}{}
	}
	completedAt := h.now().Format(time.RFC3339)

	if taskID != nil {
		task, err := h.store.GetTask(ctx, *taskID)
		if err != nil {
			return res, fmt.Errorf("task %s: %w", taskID, err)
		}
		if err := h.store.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{
			"crawl_id":           res.CrawlID,
			"audit_result_id":    res.AuditID,
			"audit_summary":      summary,
			"correlation_id":     correlationID,
			"audit_completed_at": completedAt,
		}); err != nil {
			return res, fmt.Errorf("update task %s: %w", task.ID, err)
		}
		res.UpdatedTasks++
		if projectID == nil {
			projectID = &task.ProjectID
		}
	}
	res.ProjectID = projectID

	if projectID != nil {
		err := h.store.MergeProjectMetadata(ctx, *projectID, map[string]interface{}{
			"latest_crawl_id":    res.CrawlID,
			"latest_audit_id":    res.AuditID,
			"audit_summary":      summary,
			"audit_completed_at": completedAt,
		})
		switch {
		case err == nil:
			res.UpdatedProject = true
		case errors.Is(err, store.ErrNotFound):
		default:
			return res, fmt.Errorf("update project %s: %w", projectID, err)
		}
	}
	h.logger.Printf("CrawlCompleted handled task=%v project=%v crawl=%v correlation=%s tasks=%d project_updated=%t",
		taskID, projectID, res.CrawlID, correlationID, res.UpdatedTasks, res.UpdatedProject)
	return res, nil
}

type FFScoreResult struct {
	ProjectID      uuid.UUID `json:"project_id"`
	FFScore        *float64  `json:"ff_score"`
	EEATScore      *float64  `json:"eeat_score"`
	UpdatedTasks   int       `json:"updated_tasks"`
	UpdatedProject bool      `json:"updated_project"`
}

// FFScoreRecalculated stores the new project scores, copies them onto every task of
// the project and rescores those tasks.
func (h *Handlers) FFScoreRecalculated(ctx context.Context, raw []byte, correlationID string) (FFScoreResult, error) {
	in, err := decodeInbound(raw)
	if err != nil {
		return FFScoreResult{}, err
	}
	projectID, err := in.uuid("project_id")
	if err != nil {
		return FFScoreResult{}, err
	}
	if projectID == nil {
		return FFScoreResult{}, fmt.Errorf("project_id is required in event payload")
	}
	meta := models.Metadata(in)
	res := FFScoreResult{ProjectID: *projectID}
	if res.FFScore = meta.FloatPtr("ff_score"); res.FFScore == nil {
		res.FFScore = meta.FloatPtr("ffscore")
	}
	if res.EEATScore = meta.FloatPtr("eeat_score"); res.EEATScore == nil {
		res.EEATScore = meta.FloatPtr("eeat")
	}

	err = h.store.MergeProjectMetadata(ctx, *projectID, map[string]interface{}{
		"ffscore":            floatOrNil(res.FFScore),
		"eeat_score":         floatOrNil(res.EEATScore),
		"ffscore_updated_at": h.now().Format(time.RFC3339),
	})
	switch {
	case err == nil:
		res.UpdatedProject = true
	case errors.Is(err, store.ErrNotFound):
	default:
		return res, fmt.Errorf("update project %s: %w", projectID, err)
	}

	tasks, err := h.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return res, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		patch := map[string]interface{}{}
		if res.FFScore != nil {
			patch["current_ffscore"] = *res.FFScore
		}
		if res.EEATScore != nil {
			patch["current_eeat"] = *res.EEATScore
		}
		if len(patch) > 0 {
			if err := h.store.MergeTaskMetadata(ctx, t.ID, patch); err != nil {
				return res, fmt.Errorf("update task %s: %w", t.ID, err)
			}
			t.Metadata = t.Metadata.Merge(patch)
		}
		if h.rescorer != nil {
			if _, err := h.rescorer.RescoreTask(ctx, t); err != nil {
				return res, err
			}
		}
		res.UpdatedTasks++
	}
	h.logger.Printf("FFScoreRecalculated handled project=%s ffscore=%v eeat=%v correlation=%s tasks=%d",
		projectID, floatOrNil(res.FFScore), floatOrNil(res.EEATScore), correlationID, res.UpdatedTasks)
	return res, nil
}

func floatOrNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
