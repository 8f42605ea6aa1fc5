package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	projects   map[uuid.UUID]models.Project
	tasks      map[uuid.UUID]models.Task
	approvals  map[uuid.UUID]models.HITLApproval // keyed by task id
	changelog  []models.Changelog
	sagas      map[uuid.UUID]models.SagaExecution
	now        func() time.Time
	insertSeqs map[uuid.UUID]int
	seq        int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   map[uuid.UUID]models.Project{},
		tasks:      map[uuid.UUID]models.Task{},
		approvals:  map[uuid.UUID]models.HITLApproval{},
		sagas:      map[uuid.UUID]models.SagaExecution{},
		now:        func() time.Time { return time.Now().UTC() },
		insertSeqs: map[uuid.UUID]int{},
	}
}

func copyMetadata(m models.Metadata) models.Metadata {
	if m == nil {
		return models.Metadata{}
	}
	return m.Clone()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Platform == "" {
		in.Platform = "wordpress"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.Domain == in.Domain {
			return models.Project{}, fmt.Errorf("project %s: %w", in.Domain, ErrAlreadyExists)
		}
	}
	now := m.now()
	p := models.Project{
		ID:        in.ID,
		Name:      in.Name,
		Domain:    in.Domain,
		Platform:  in.Platform,
		IsActive:  in.IsActive,
		Settings:  copyMetadata(in.Settings),
		Metadata:  copyMetadata(in.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.projects[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id uuid.UUID) (models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	p.Metadata = copyMetadata(p.Metadata)
	return p, nil
}

func (m *MemoryStore) ListActiveProjects(ctx context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Project
	for _, p := range m.projects {
		if p.IsActive {
			p.Metadata = copyMetadata(p.Metadata)
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MergeProjectMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Metadata = copyMetadata(p.Metadata).Merge(patch)
	p.UpdatedAt = m.now()
	m.projects[id] = p
	return nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, in TaskInput) (models.Task, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.TaskPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t := models.Task{
		ID:            in.ID,
		ProjectID:     in.ProjectID,
		TaskType:      in.TaskType,
		Status:        in.Status,
		URL:           in.URL,
		Title:         in.Title,
		Description:   in.Description,
		ImpactScore:   0.5,
		EffortScore:   0.5,
		PriorityScore: 0.5,
		Metadata:      copyMetadata(in.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.tasks[t.ID] = t
	m.seq++
	m.insertSeqs[t.ID] = m.seq
	return t, nil
}

// PutTask stores a task verbatim, letting tests control timestamps and scores.
func (m *MemoryStore) PutTask(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Metadata = copyMetadata(t.Metadata)
	m.tasks[t.ID] = t
	if _, ok := m.insertSeqs[t.ID]; !ok {
		m.seq++
		m.insertSeqs[t.ID] = m.seq
	}
}

func (m *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	t.Metadata = copyMetadata(t.Metadata)
	return t, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Task
	for _, t := range m.tasks {
		if filter.ProjectID != nil && t.ProjectID != *filter.ProjectID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		t.Metadata = copyMetadata(t.Metadata)
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.insertSeqs[out[i].ID] < m.insertSeqs[out[j].ID]
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(statuses []models.TaskStatus, s models.TaskStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if !models.CanTransitionTask(t.Status, status) {
		return models.Task{}, fmt.Errorf("task %s %s -> %s: %w", id, t.Status, status, ErrInvalidTransition)
	}
	now := m.now()
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case models.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		t.CompletedAt = &now
	case models.TaskDeployed:
		t.DeployedAt = &now
	}
	m.tasks[id] = t
	t.Metadata = copyMetadata(t.Metadata)
	return t, nil
}

func (m *MemoryStore) MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Metadata = copyMetadata(t.Metadata).Merge(patch)
	t.UpdatedAt = m.now()
	m.tasks[id] = t
	return nil
}

func (m *MemoryStore) UpdateTaskPriority(ctx context.Context, in PriorityUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[in.TaskID]
	if !ok {
		return ErrNotFound
	}
	t.ImpactScore = in.Impact
	t.EffortScore = in.Effort
	t.PriorityScore = in.Priority
	t.Metadata = copyMetadata(t.Metadata).Merge(priorityMetadata(in))
	t.UpdatedAt = m.now()
	m.tasks[in.TaskID] = t
	return nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.HITLApproval, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[in.TaskID]; exists {
		return models.HITLApproval{}, fmt.Errorf("hitl approval for task %s: %w", in.TaskID, ErrAlreadyExists)
	}
	now := m.now()
	a := models.HITLApproval{
		ID:             in.ID,
		TaskID:         in.TaskID,
		ProjectID:      in.ProjectID,
		Status:         models.ApprovalPending,
		DiffData:       in.DiffData,
		ImpactScore:    in.ImpactScore,
		Recommendation: in.Recommendation,
		Metadata:       copyMetadata(in.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.approvals[in.TaskID] = a
	return a, nil
}

func (m *MemoryStore) GetApprovalByTask(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[taskID]
	if !ok {
		return models.HITLApproval{}, ErrNotFound
	}
	a.Metadata = copyMetadata(a.Metadata)
	return a, nil
}

func (m *MemoryStore) DecideApproval(ctx context.Context, in DecisionInput) (models.HITLApproval, error) {
	if in.Status != models.ApprovalApproved && in.Status != models.ApprovalRejected {
		return models.HITLApproval{}, fmt.Errorf("decide approval: unsupported status %q", in.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[in.TaskID]
	if !ok {
		return models.HITLApproval{}, ErrNotFound
	}
	if a.Status != models.ApprovalPending {
		return models.HITLApproval{}, fmt.Errorf("hitl approval for task %s has status %s: %w", in.TaskID, a.Status, ErrAlreadyProcessed)
	}
	at := in.At
	actor := in.Actor
	a.Status = in.Status
	if in.Status == models.ApprovalApproved {
		a.ApprovedBy = &actor
		a.ApprovedAt = &at
	} else {
		a.RejectedBy = &actor
		a.RejectedAt = &at
		a.RejectionReason = in.Reason
	}
	a.Metadata = copyMetadata(a.Metadata).Merge(in.Metadata)
	a.UpdatedAt = m.now()
	m.approvals[in.TaskID] = a
	return a, nil
}

// SetApprovalStatus overwrites an approval status, for tests simulating an external reviewer.
func (m *MemoryStore) SetApprovalStatus(taskID uuid.UUID, status models.ApprovalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.approvals[taskID]; ok {
		a.Status = status
		m.approvals[taskID] = a
	}
}

func (m *MemoryStore) ListPendingApprovals(ctx context.Context, filter ApprovalFilter) ([]models.HITLApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HITLApproval
	for _, a := range m.approvals {
		if a.Status != models.ApprovalPending {
			continue
		}
		if filter.ProjectID != nil && a.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.MinImpact != nil && (a.ImpactScore == nil || *a.ImpactScore < *filter.MinImpact) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].ImpactScore, out[j].ImpactScore
		switch {
		case ai == nil && aj != nil:
			return false
		case ai != nil && aj == nil:
			return true
		case ai != nil && aj != nil && *ai != *aj:
			return *ai > *aj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountPendingApprovals(ctx context.Context, projectID *uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.approvals {
		if a.Status == models.ApprovalPending && (projectID == nil || a.ProjectID == *projectID) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ApprovalStats(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st models.ApprovalStats
	for _, a := range m.approvals {
		if projectID != nil && a.ProjectID != *projectID {
			continue
		}
		st.Total++
		switch a.Status {
		case models.ApprovalPending:
			st.Pending++
		case models.ApprovalApproved:
			st.Approved++
		case models.ApprovalRejected:
			st.Rejected++
		}
	}
	st.ApprovalRate = approvalRate(st.Approved, st.Total)
	return st, nil
}

func (m *MemoryStore) InsertChangelog(ctx context.Context, in ChangelogInput) (models.Changelog, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Source == "" {
		in.Source = "auto"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := models.Changelog{
		ID:          in.ID,
		ProjectID:   in.ProjectID,
		TaskID:      in.TaskID,
		ChangeID:    in.ChangeID,
		EntityID:    in.EntityID,
		EntityType:  in.EntityType,
		ChangeType:  in.ChangeType,
		BeforeValue: in.BeforeValue,
		AfterValue:  in.AfterValue,
		Applied:     in.Applied,
		AppliedAt:   in.AppliedAt,
		Source:      in.Source,
		Metadata:    copyMetadata(in.Metadata),
		CreatedAt:   m.now(),
	}
	m.changelog = append(m.changelog, c)
	return c, nil
}

// latest scans newest first so the most recent matching row wins.
func (m *MemoryStore) latest(match func(models.Changelog) bool) (int, bool) {
	for i := len(m.changelog) - 1; i >= 0; i-- {
		if match(m.changelog[i]) {
			return i, true
		}
	}
	return -1, false
}

func (m *MemoryStore) GetChangelogByChangeID(ctx context.Context, changeID string) (models.Changelog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.latest(func(c models.Changelog) bool { return c.ChangeID == changeID })
	if !ok {
		return models.Changelog{}, ErrNotFound
	}
	return m.changelog[i], nil
}

func (m *MemoryStore) FindLatestChangelog(ctx context.Context, projectID uuid.UUID, entityID, changeType string) (models.Changelog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.latest(func(c models.Changelog) bool {
		return c.ProjectID == projectID && c.EntityID == entityID && c.ChangeType == changeType
	})
	if !ok {
		return models.Changelog{}, ErrNotFound
	}
	return m.changelog[i], nil
}

func (m *MemoryStore) ConfirmChangelog(ctx context.Context, in ConfirmInput) (models.Changelog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.latest(func(c models.Changelog) bool { return c.ID == in.ID })
	if !ok {
		return models.Changelog{}, ErrNotFound
	}
	c := m.changelog[i]
	if c.ConfirmedAt != nil {
		return models.Changelog{}, fmt.Errorf("changelog %s: %w", in.ID, ErrAlreadyProcessed)
	}
	now := m.now()
	c.Applied = in.Applied
	c.AppliedAt = nil
	if in.Applied {
		at := in.AppliedAt
		c.AppliedAt = &at
	}
	c.ErrorMessage = in.ErrorMessage
	c.ConfirmedAt = &now
	m.changelog[i] = c
	return c, nil
}

func (m *MemoryStore) MarkChangelogApplied(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.latest(func(c models.Changelog) bool { return c.ID == id })
	if !ok {
		return ErrNotFound
	}
	if m.changelog[i].ConfirmedAt == nil {
		m.changelog[i].Applied = true
	}
	return nil
}

// Changelog returns a snapshot of every changelog row in insertion order.
func (m *MemoryStore) Changelog() []models.Changelog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Changelog(nil), m.changelog...)
}

func (m *MemoryStore) SaveSaga(ctx context.Context, exec models.SagaExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.sagas[exec.SagaID]; ok {
		existing.State = exec.State
		existing.Context = exec.Context
		existing.UpdatedAt = now
		m.sagas[exec.SagaID] = existing
		return nil
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now
	m.sagas[exec.SagaID] = exec
	return nil
}

func (m *MemoryStore) GetSaga(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sagas[sagaID]
	if !ok {
		return models.SagaExecution{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) ListSagas(ctx context.Context, state models.SagaState, limit int) ([]models.SagaExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SagaExecution
	for _, e := range m.sagas {
		if state == "" || e.State == state {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
