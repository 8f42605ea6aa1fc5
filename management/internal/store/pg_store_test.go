package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/models"
)

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

var approvalCols = []string{"id", "task_id", "project_id", "status", "diff_data", "impact_score", "recommendation",
	"approved_by", "approved_at", "rejected_by", "rejected_at", "rejection_reason", "metadata", "created_at", "updated_at"}

var taskCols = []string{"id", "project_id", "task_type", "status", "url", "title", "description", "impact_score",
	"effort_score", "priority_score", "metadata", "assigned_to", "started_at", "completed_at", "deployed_at",
	"created_at", "updated_at"}

func TestCreateApprovalUniqueViolation(t *testing.T) {
	st, mock := newMock(t)
	taskID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO hitl_approvals")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := st.CreateApproval(context.Background(), ApprovalInput{
		TaskID:    taskID,
		ProjectID: uuid.New(),
		DiffData:  models.DiffData{Before: map[string]interface{}{}, After: map[string]interface{}{"title": "x"}},
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateApprovalReturnsRow(t *testing.T) {
	st, mock := newMock(t)
	taskID, projectID, id := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO hitl_approvals")).
		WithArgs(id, taskID, projectID, sqlmock.AnyArg(), 0.8, "ship it", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(
			id, taskID, projectID, "PENDING", []byte(`{"before":{"title":"a"},"after":{"title":"b"}}`), 0.8, "ship it",
			nil, nil, nil, nil, nil, []byte(`{"correlation_id":"c-1"}`), now, now))

	impact := 0.8
	a, err := st.CreateApproval(context.Background(), ApprovalInput{
		ID:             id,
		TaskID:         taskID,
		ProjectID:      projectID,
		DiffData:       models.DiffData{Before: map[string]interface{}{"title": "a"}, After: map[string]interface{}{"title": "b"}},
		ImpactScore:    &impact,
		Recommendation: "ship it",
		Metadata:       models.Metadata{"correlation_id": "c-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, a.Status)
	assert.Equal(t, "b", a.DiffData.After["title"])
	assert.Equal(t, "c-1", a.Metadata.String("correlation_id"))
	if assert.NotNil(t, a.ImpactScore) {
		assert.Equal(t, 0.8, *a.ImpactScore)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideApprovalAlreadyProcessed(t *testing.T) {
	st, mock := newMock(t)
	taskID, projectID := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE hitl_approvals SET status = 'APPROVED'")).
		WithArgs(taskID, "alice", now, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM hitl_approvals WHERE task_id = $1")).
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(
			uuid.New(), taskID, projectID, "REJECTED", []byte(`{}`), nil, "",
			nil, nil, "bob", now, "off-brand", []byte(`{}`), now, now))

	_, err := st.DecideApproval(context.Background(), DecisionInput{
		TaskID: taskID,
		Status: models.ApprovalApproved,
		Actor:  "alice",
		At:     now,
	})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideApprovalMissing(t *testing.T) {
	st, mock := newMock(t)
	taskID := uuid.New()
	now := time.Now().UTC()
	reason := "thin content"

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE hitl_approvals SET status = 'REJECTED'")).
		WithArgs(taskID, "bob", now, sqlmock.AnyArg(), reason).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM hitl_approvals WHERE task_id = $1")).
		WithArgs(taskID).
		WillReturnError(sql.ErrNoRows)

	_, err := st.DecideApproval(context.Background(), DecisionInput{
		TaskID: taskID,
		Status: models.ApprovalRejected,
		Actor:  "bob",
		Reason: &reason,
		At:     now,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusRefusesTerminalToActive(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET")).
		WithArgs(id, "IN_PROGRESS", pq.Array([]string{"COMPLETED", "FAILED", "CANCELLED", "REJECTED"}), pq.Array([]string{"FAILED", "CANCELLED"})).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	_, err := st.UpdateTaskStatus(context.Background(), id, models.TaskInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusRefusesFailedToCompleted(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND (NOT (status = ANY($3)) OR $2 = ANY($4))")).
		WithArgs(id, "COMPLETED", sqlmock.AnyArg(), pq.Array([]string{"FAILED", "CANCELLED"})).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))

	_, err := st.UpdateTaskStatus(context.Background(), id, models.TaskCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "FAILED -> COMPLETED")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusReturnsTask(t *testing.T) {
	st, mock := newMock(t)
	id, projectID := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET")).
		WithArgs(id, "DEPLOYED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			id, projectID, "UPDATE_META", "DEPLOYED", "https://example.com/a", "", "", 0.3, 0.2, 0.52,
			[]byte(`{"current_ffscore":40}`), nil, now, nil, now, now, now))

	task, err := st.UpdateTaskStatus(context.Background(), id, models.TaskDeployed)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDeployed, task.Status)
	assert.Equal(t, models.TaskUpdateMeta, task.TaskType)
	assert.NotNil(t, task.DeployedAt)
	assert.Nil(t, task.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalStats(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM hitl_approvals")).
		WithArgs(nil).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "approved", "rejected"}).AddRow(3, 1, 1, 1))

	stats, err := st.ApprovalStats(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 33.33, stats.ApprovalRate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmChangelogTwice(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE changelog SET applied = $2")).
		WithArgs(id, true, now, nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := st.ConfirmChangelog(context.Background(), ConfirmInput{ID: id, Applied: true, AppliedAt: now})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkChangelogAppliedLeavesConfirmedRows(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE changelog SET applied = TRUE WHERE id = $1 AND confirmed_at IS NULL")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.MarkChangelogApplied(context.Background(), id))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE changelog SET applied = TRUE")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, st.MarkChangelogApplied(context.Background(), id))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE changelog SET applied = TRUE")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, st.MarkChangelogApplied(context.Background(), id), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSagaUpserts(t *testing.T) {
	st, mock := newMock(t)
	sagaID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_executions")).
		WithArgs(sqlmock.AnyArg(), sagaID, sqlmock.AnyArg(), "https://example.com", nil, "CRAWLING", sqlmock.AnyArg(), "corr-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.SaveSaga(context.Background(), models.SagaExecution{
		SagaID:        sagaID,
		ProjectID:     uuid.New(),
		URL:           "https://example.com",
		State:         models.SagaCrawling,
		Context:       models.SagaCheckpoint{CrawlID: "crawl-1"},
		CorrelationID: "corr-1",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeTaskMetadataNotFound(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET metadata")).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.MergeTaskMetadata(context.Background(), id, map[string]interface{}{"crawl_id": "c"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
