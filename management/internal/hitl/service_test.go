package hitl

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/events"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/store"
)

type fakeDeployer struct {
	err   error
	calls []uuid.UUID
}

func (d *fakeDeployer) DeployTaskChanges(ctx context.Context, taskID uuid.UUID, correlationID string) (clients.DeployResult, error) {
	d.calls = append(d.calls, taskID)
	if d.err != nil {
		return clients.DeployResult{}, d.err
	}
	return clients.DeployResult{ChangeID: "chg-1", Status: "queued"}, nil
}

type fixture struct {
	st       *store.MemoryStore
	deployer *fakeDeployer
	pub      *events.MemoryPublisher
	metrics  *Metrics
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		st:       store.NewMemoryStore(),
		deployer: &fakeDeployer{},
		pub:      &events.MemoryPublisher{},
		metrics:  NewMetrics(nil),
	}
	f.svc = NewService(f.st, f.deployer, f.pub, f.metrics, log.New(io.Discard, "", 0))
	return f
}

func (f *fixture) task(t *testing.T, projectID uuid.UUID) models.Task {
	t.Helper()
	task, err := f.st.CreateTask(context.Background(), store.TaskInput{
		ProjectID: projectID,
		TaskType:  models.TaskUpdateMeta,
		URL:       "https://example.com/" + uuid.NewString()[:6],
		Status:    models.TaskInProgress,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) pending(t *testing.T, impact *float64) models.Task {
	t.Helper()
	task := f.task(t, uuid.New())
	_, err := f.svc.Create(context.Background(), task.ID, CreateRequest{
		DiffData:    models.DiffData{Before: map[string]interface{}{"title": "a"}, After: map[string]interface{}{"title": "b"}},
		ImpactScore: impact,
	}, "corr")
	require.NoError(t, err)
	return task
}

func ptr(f float64) *float64 { return &f }

func TestCreateMarksTaskPendingAndIsUnique(t *testing.T) {
	f := newFixture()
	task := f.pending(t, ptr(0.4))

	got, err := f.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.NotNil(t, got.Metadata["diff_data"])

	approval, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, approval.Status)
	assert.Equal(t, "corr", approval.Metadata.String("correlation_id"))

	_, err = f.svc.Create(context.Background(), task.ID, CreateRequest{}, "")
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestCreateRefusesTerminalTask(t *testing.T) {
	f := newFixture()
	task := f.task(t, uuid.New())
	_, err := f.st.UpdateTaskStatus(context.Background(), task.ID, models.TaskCompleted)
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), task.ID, CreateRequest{}, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = f.svc.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateKeepsSagaTaskInProgress(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	task := f.task(t, uuid.New())
	require.NoError(t, f.st.MergeTaskMetadata(ctx, task.ID, map[string]interface{}{"saga_id": uuid.NewString()}))

	_, err := f.svc.Create(ctx, task.ID, CreateRequest{}, "corr")
	require.NoError(t, err)
	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)
	assert.NotEmpty(t, got.Metadata.String("hitl_approval_id"))

	res, err := f.svc.Approve(ctx, task.ID, Decision{Actor: "alice", AutoDeploy: true}, "corr")
	require.NoError(t, err)
	assert.False(t, res.AutoDeployed)
	assert.Empty(t, f.deployer.calls)
	got, err = f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskApproved, got.Status)
}

func TestLateDecisionLeavesApprovalPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	task := f.pending(t, nil)
	_, err := f.st.UpdateTaskStatus(ctx, task.ID, models.TaskFailed)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, task.ID, Decision{Actor: "alice"}, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = f.svc.Reject(ctx, task.ID, Decision{Actor: "alice", Reason: "late"}, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	approval, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, approval.Status)
	assert.Nil(t, approval.ApprovedBy)
	got, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("invalid_status")))
	assert.Empty(t, f.pub.Names())
}

func TestApproveWithAutoDeploy(t *testing.T) {
	f := newFixture()
	task := f.pending(t, nil)

	res, err := f.svc.Approve(context.Background(), task.ID, Decision{Actor: "alice", AutoDeploy: true, Notes: "lgtm"}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Status)
	require.NotNil(t, res.DeploymentResult)
	assert.Equal(t, "chg-1", res.DeploymentResult.ChangeID)
	assert.Equal(t, []uuid.UUID{task.ID}, f.deployer.calls)

	got, err := f.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskApproved, got.Status)
	assert.Equal(t, "alice", got.Metadata.String("approved_by"))

	approval, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, approval.Status)
	assert.Equal(t, "lgtm", approval.Metadata.String("approval_notes"))

	assert.Equal(t, []string{events.NameHITLApproved}, f.pub.Names())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Approvals.WithLabelValues("approved")))
}

func TestApproveSurvivesDeployAndPublishFailures(t *testing.T) {
	f := newFixture()
	f.deployer.err = errors.New("gateway down")
	f.pub.Err = errors.New("bus down")
	task := f.pending(t, nil)

	res, err := f.svc.Approve(context.Background(), task.ID, Decision{Actor: "bob", AutoDeploy: true}, "")
	require.NoError(t, err)
	assert.Nil(t, res.DeploymentResult)
	assert.Contains(t, res.DeploymentError, "gateway down")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("deployment_failed")))

	approval, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, approval.Status)
}

func TestDoubleDecisionFails(t *testing.T) {
	f := newFixture()
	approved := f.pending(t, nil)
	_, err := f.svc.Approve(context.Background(), approved.ID, Decision{Actor: "a"}, "")
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), approved.ID, Decision{Actor: "a"}, "")
	assert.ErrorIs(t, err, store.ErrAlreadyProcessed)
	_, err = f.svc.Reject(context.Background(), approved.ID, Decision{Actor: "a"}, "")
	assert.ErrorIs(t, err, store.ErrAlreadyProcessed)

	rejected := f.pending(t, nil)
	res, err := f.svc.Reject(context.Background(), rejected.ID, Decision{Actor: "r", Reason: "off brand"}, "")
	require.NoError(t, err)
	assert.Equal(t, "off brand", res.RejectionReason)
	_, err = f.svc.Approve(context.Background(), rejected.ID, Decision{Actor: "a"}, "")
	assert.ErrorIs(t, err, store.ErrAlreadyProcessed)

	got, err := f.st.GetTask(context.Background(), rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRejected, got.Status)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("already_processed")))
}

func TestRejectDefaultsReasonOnApproval(t *testing.T) {
	f := newFixture()
	task := f.pending(t, nil)
	_, err := f.svc.Reject(context.Background(), task.ID, Decision{Actor: "r"}, "")
	require.NoError(t, err)
	approval, err := f.svc.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, approval.RejectionReason)
	assert.Equal(t, noReasonProvided, *approval.RejectionReason)
}

func TestApproveWithoutApproval(t *testing.T) {
	f := newFixture()
	task := f.task(t, uuid.New())
	_, err := f.svc.Approve(context.Background(), task.ID, Decision{Actor: "a"}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("approval_not_found")))

	_, err = f.svc.Approve(context.Background(), uuid.New(), Decision{Actor: "a"}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("task_not_found")))
}

func TestBatchApproveCollectsPerItemResults(t *testing.T) {
	f := newFixture()
	a := f.pending(t, nil)
	b := f.pending(t, nil)
	missing := uuid.New()

	out := f.svc.BatchApprove(context.Background(), []uuid.UUID{a.ID, missing, b.ID}, "ops", false, "")
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Approved)
	assert.Equal(t, 1, out.Failed)
	assert.False(t, out.Results[1].Success)
	assert.True(t, out.Results[2].Success)
	assert.Empty(t, f.deployer.calls)
}

func TestQueries(t *testing.T) {
	f := newFixture()
	f.pending(t, ptr(0.9))
	f.pending(t, ptr(0.5))
	f.pending(t, nil)
	done := f.pending(t, ptr(0.95))
	_, err := f.svc.Approve(context.Background(), done.ID, Decision{Actor: "a"}, "")
	require.NoError(t, err)

	pending, err := f.svc.Pending(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, 0.9, *pending[0].ImpactScore)
	assert.Nil(t, pending[2].ImpactScore)

	high, err := f.svc.HighImpactPending(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, high, 1)

	n, err := f.svc.PendingCount(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := f.svc.Statistics(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 25.0, stats.ApprovalRate)
}
