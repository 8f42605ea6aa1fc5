package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/hitl"
	"github.com/seomaster/platform/management/internal/models"
)

func TestRunnerStartPersistsAndRuns(t *testing.T) {
	h := newHarness(testConfig())
	task := h.task(t, models.Metadata{"auto_approved": true})
	r := NewRunner(h.orch, 2, quietLogger())
	defer r.Stop()

	id := task.ID
	exec, err := r.Start(context.Background(), Params{ProjectID: task.ProjectID, URL: task.URL, TaskID: &id})
	require.NoError(t, err)
	assert.Equal(t, models.SagaInitiated, exec.State)
	assert.NotEqual(t, uuid.Nil, exec.SagaID)
	assert.NotEmpty(t, exec.CorrelationID)

	r.Wait()
	got, err := r.Get(context.Background(), exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, got.State)
	assert.Equal(t, exec.CorrelationID, got.CorrelationID)
}

func TestRunnerLimitsSagasPerProject(t *testing.T) {
	h := newHarness(testConfig())
	h.audit.gate = make(chan struct{})
	r := NewRunner(h.orch, 1, quietLogger())
	defer r.Stop()

	projectID := uuid.New()
	var ids []uuid.UUID
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		exec, err := r.Start(context.Background(), Params{ProjectID: projectID, URL: u})
		require.NoError(t, err)
		ids = append(ids, exec.SagaID)
	}

	crawling := func() int {
		n := 0
		for _, id := range ids {
			exec, err := r.Get(context.Background(), id)
			require.NoError(t, err)
			if exec.State == models.SagaCrawling {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return crawling() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return crawling() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	r.Stop()
	for _, id := range ids {
		exec, err := r.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Contains(t, []models.SagaState{models.SagaFailed, models.SagaInitiated}, exec.State)
	}
}

func TestRunnerRejectsAfterStop(t *testing.T) {
	h := newHarness(testConfig())
	r := NewRunner(h.orch, 1, quietLogger())
	r.Stop()
	_, err := r.Start(context.Background(), Params{ProjectID: uuid.New(), URL: "https://example.com"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerAbandonsQueuedSagaWhoseTaskWasTaken(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	task := h.task(t, nil)
	r := NewRunner(h.orch, 1, quietLogger())
	defer r.Stop()

	id := task.ID
	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		exec, err := r.Start(ctx, Params{ProjectID: task.ProjectID, URL: task.URL, TaskID: &id})
		require.NoError(t, err)
		ids = append(ids, exec.SagaID)
	}

	require.Eventually(t, func() bool {
		_, err := h.hitl.Get(ctx, task.ID)
		return err == nil
	}, time.Second, time.Millisecond)
	_, err := h.hitl.Approve(ctx, task.ID, hitl.Decision{Actor: "reviewer"}, "")
	require.NoError(t, err)
	r.Wait()

	states := map[models.SagaState]int{}
	for _, sagaID := range ids {
		exec, err := r.Get(ctx, sagaID)
		require.NoError(t, err)
		states[exec.State]++
		if exec.State == models.SagaFailed {
			assert.Contains(t, exec.Context.FailureReason, "COMPLETED")
		}
	}
	assert.Equal(t, map[models.SagaState]int{models.SagaCompleted: 1, models.SagaFailed: 1}, states)

	got, err := h.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, 1, h.gateway.queuedCount())
}
