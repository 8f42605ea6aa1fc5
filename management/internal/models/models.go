package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskUpdateMeta       TaskType = "UPDATE_META"
	TaskUpdateContent    TaskType = "UPDATE_CONTENT"
	TaskAddInternalLinks TaskType = "ADD_INTERNAL_LINKS"
	TaskUpdateSchema     TaskType = "UPDATE_SCHEMA"
	TaskFix404           TaskType = "FIX_404"
	TaskUpdateTildaPage  TaskType = "UPDATE_TILDA_PAGE"
	TaskOptimizeImages   TaskType = "OPTIMIZE_IMAGES"
	TaskFixBrokenLinks   TaskType = "FIX_BROKEN_LINKS"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskUpdateMeta, TaskUpdateContent, TaskAddInternalLinks, TaskUpdateSchema,
		TaskFix404, TaskUpdateTildaPage, TaskOptimizeImages, TaskFixBrokenLinks:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskApproved   TaskStatus = "APPROVED"
	TaskRejected   TaskStatus = "REJECTED"
	TaskDeployed   TaskStatus = "DEPLOYED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// TerminalTaskStatuses lists the statuses a task never leaves for an active one.
var TerminalTaskStatuses = []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskRejected}

func (s TaskStatus) IsTerminal() bool {
	for _, t := range TerminalTaskStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// TerminalRelabelStatuses are the only statuses a terminal task may still move to.
var TerminalRelabelStatuses = []TaskStatus{TaskFailed, TaskCancelled}

// CanTransitionTask reports whether a task may move from one status to another.
// A terminal task may only be relabelled as failed or cancelled; it never becomes
// active, approved, rejected or completed again.
func CanTransitionTask(from, to TaskStatus) bool {
	if !from.IsTerminal() {
		return true
	}
	for _, s := range TerminalRelabelStatuses {
		if to == s {
			return true
		}
	}
	return false
}

type Task struct {
	ID            uuid.UUID  `json:"id"`
	ProjectID     uuid.UUID  `json:"projectId"`
	TaskType      TaskType   `json:"taskType"`
	Status        TaskStatus `json:"status"`
	URL           string     `json:"url"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	ImpactScore   float64    `json:"impactScore"`
	EffortScore   float64    `json:"effortScore"`
	PriorityScore float64    `json:"priorityScore"`
	Metadata      Metadata   `json:"metadata"`
	AssignedTo    *string    `json:"assignedTo,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	DeployedAt    *time.Time `json:"deployedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Platform  string    `json:"platform"`
	IsActive  bool      `json:"isActive"`
	Settings  Metadata  `json:"settings"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// DiffData is the before/after view a reviewer decides on.
type DiffData struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
}

type HITLApproval struct {
	ID              uuid.UUID      `json:"id"`
	TaskID          uuid.UUID      `json:"taskId"`
	ProjectID       uuid.UUID      `json:"projectId"`
	Status          ApprovalStatus `json:"status"`
	DiffData        DiffData       `json:"diffData"`
	ImpactScore     *float64       `json:"impactScore,omitempty"`
	Recommendation  string         `json:"recommendation,omitempty"`
	ApprovedBy      *string        `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time     `json:"approvedAt,omitempty"`
	RejectedBy      *string        `json:"rejectedBy,omitempty"`
	RejectedAt      *time.Time     `json:"rejectedAt,omitempty"`
	RejectionReason *string        `json:"rejectionReason,omitempty"`
	Metadata        Metadata       `json:"metadata"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type ApprovalStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	ApprovalRate float64 `json:"approvalRate"`
}

type Changelog struct {
	ID           uuid.UUID              `json:"id"`
	ProjectID    uuid.UUID              `json:"projectId"`
	TaskID       *uuid.UUID             `json:"taskId,omitempty"`
	ChangeID     string                 `json:"changeId,omitempty"`
	EntityID     string                 `json:"entityId"`
	EntityType   string                 `json:"entityType"`
	ChangeType   string                 `json:"changeType"`
	BeforeValue  map[string]interface{} `json:"beforeValue"`
	AfterValue   map[string]interface{} `json:"afterValue"`
	Applied      bool                   `json:"applied"`
	AppliedAt    *time.Time             `json:"appliedAt,omitempty"`
	ConfirmedAt  *time.Time             `json:"confirmedAt,omitempty"`
	ErrorMessage *string                `json:"errorMessage,omitempty"`
	Source       string                 `json:"source"`
	Metadata     Metadata               `json:"metadata"`
	CreatedAt    time.Time              `json:"createdAt"`
}

type SagaState string

const (
	SagaInitiated         SagaState = "INITIATED"
	SagaCrawling          SagaState = "CRAWLING"
	SagaCrawlCompleted    SagaState = "CRAWL_COMPLETED"
	SagaCalculatingScores SagaState = "CALCULATING_SCORES"
	SagaScoresCompleted   SagaState = "SCORES_COMPLETED"
	SagaGeneratingContent SagaState = "GENERATING_CONTENT"
	SagaContentGenerated  SagaState = "CONTENT_GENERATED"
	SagaAwaitingHITL      SagaState = "AWAITING_HITL"
	SagaHITLApproved      SagaState = "HITL_APPROVED"
	SagaHITLRejected      SagaState = "HITL_REJECTED"
	SagaApplyingChanges   SagaState = "APPLYING_CHANGES"
	SagaCompleted         SagaState = "COMPLETED"
	SagaFailed            SagaState = "FAILED"
	SagaCompensating      SagaState = "COMPENSATING"
)

func (s SagaState) IsTerminal() bool {
	return s == SagaCompleted || s == SagaFailed || s == SagaHITLRejected
}

// SagaCheckpoint is the persisted view of the step outputs a saga has produced so far.
type SagaCheckpoint struct {
	CrawlID        string                 `json:"crawl_id,omitempty"`
	CrawlResult    map[string]interface{} `json:"crawl_result,omitempty"`
	FFScoreTaskID  string                 `json:"ffscore_task_id,omitempty"`
	EEATTaskID     string                 `json:"eeat_task_id,omitempty"`
	FFScore        *float64               `json:"ffscore,omitempty"`
	EEATScore      *float64               `json:"eeat_score,omitempty"`
	GenerationID   string                 `json:"content_generation_id,omitempty"`
	Content        map[string]interface{} `json:"generated_content,omitempty"`
	ApprovalID     string                 `json:"approval_id,omitempty"`
	ChangeID       string                 `json:"change_id,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	Compensated    bool                   `json:"compensated,omitempty"`
	CompensateNote string                 `json:"compensate_note,omitempty"`
}

type SagaExecution struct {
	ID            uuid.UUID      `json:"id"`
	SagaID        uuid.UUID      `json:"sagaId"`
	ProjectID     uuid.UUID      `json:"projectId"`
	URL           string         `json:"url"`
	TaskID        *uuid.UUID     `json:"taskId,omitempty"`
	State         SagaState      `json:"state"`
	Context       SagaCheckpoint `json:"context"`
	CorrelationID string         `json:"correlationId"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
