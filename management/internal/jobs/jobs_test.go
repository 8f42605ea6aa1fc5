package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/store"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type recalcCall struct {
	correlationID string
	projectID     uuid.UUID
	crawlID       string
	pageURL       string
}

type fakeSemantic struct {
	configured bool
	failFor    uuid.UUID
	mu         sync.Mutex
	calls      []recalcCall
}

func (f *fakeSemantic) Configured() bool { return f.configured }

func (f *fakeSemantic) RecalculateFFScore(ctx context.Context, correlationID string, projectID uuid.UUID, crawlID, pageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recalcCall{correlationID, projectID, crawlID, pageURL})
	if projectID == f.failFor {
		return errors.New("semantic service returned 503")
	}
	return nil
}

type fakeReprioritizer struct {
	counts  map[uuid.UUID]int
	failFor uuid.UUID
}

func (f *fakeReprioritizer) ReprioritizeProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error) {
	if projectID == f.failFor {
		return nil, errors.New("database is down")
	}
	return make([]models.Task, f.counts[projectID]), nil
}

type fakeDeployer struct {
	results map[uuid.UUID][]deploy.TaskResult
	seen    []uuid.UUID
}

func (f *fakeDeployer) DeployApprovedTasks(ctx context.Context, projectID uuid.UUID, max int, correlationID string) ([]deploy.TaskResult, error) {
	f.seen = append(f.seen, projectID)
	return f.results[projectID], nil
}

func seedProjects(t *testing.T) (*store.MemoryStore, models.Project, models.Project) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	a, err := st.CreateProject(ctx, store.ProjectInput{
		Name: "A", Domain: "https://a.example", IsActive: true,
		Metadata: models.Metadata{"latest_crawl_id": "crawl-9"},
	})
	require.NoError(t, err)
	b, err := st.CreateProject(ctx, store.ProjectInput{
		Name: "B", Domain: "b.example", IsActive: true,
		Metadata: models.Metadata{"crawl_id": "crawl-1", "root_url": "https://b.example/start"},
	})
	require.NoError(t, err)
	_, err = st.CreateProject(ctx, store.ProjectInput{Name: "C", Domain: "c.example", IsActive: false})
	require.NoError(t, err)
	return st, a, b
}

func TestDailyFFScoreRecalculation(t *testing.T) {
	st, a, b := seedProjects(t)
	sem := &fakeSemantic{configured: true, failFor: b.ID}
	svc := NewService(st, sem, nil, nil, quietLogger())

	res, err := svc.DailyFFScoreRecalculation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.TotalProjects)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, b.ID, res.Errors[0].ProjectID)

	byProject := map[uuid.UUID]recalcCall{}
	for _, c := range sem.calls {
		byProject[c.projectID] = c
	}
	assert.Equal(t, recalcCall{"ffscore-recalc-" + a.ID.String(), a.ID, "crawl-9", "https://a.example"}, byProject[a.ID])
	assert.Equal(t, recalcCall{"ffscore-recalc-" + b.ID.String(), b.ID, "crawl-1", "https://b.example/start"}, byProject[b.ID])
}

func TestDailyFFScoreRecalculationSkippedWithoutSemantic(t *testing.T) {
	st, _, _ := seedProjects(t)
	sem := &fakeSemantic{}
	res, err := NewService(st, sem, nil, nil, quietLogger()).DailyFFScoreRecalculation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, reasonSemanticMissing, res.Reason)
	assert.Empty(t, sem.calls)
}

func TestReprioritizeAllProjectsReportsPerProject(t *testing.T) {
	st, a, b := seedProjects(t)
	prio := &fakeReprioritizer{counts: map[uuid.UUID]int{a.ID: 4}, failFor: b.ID}
	res, err := NewService(st, nil, prio, nil, quietLogger()).ReprioritizeAllProjects(context.Background(), "corr-r")
	require.NoError(t, err)
	assert.Equal(t, "corr-r", res.CorrelationID)
	require.Len(t, res.Projects, 2)

	outcomes := map[uuid.UUID]ProjectOutcome{}
	for _, o := range res.Projects {
		outcomes[o.ProjectID] = o
	}
	assert.Equal(t, 4, outcomes[a.ID].TasksProcessed)
	assert.Empty(t, outcomes[a.ID].Error)
	assert.Contains(t, outcomes[b.ID].Error, "database is down")
}

func TestDeployApprovedCountsSuccesses(t *testing.T) {
	st, a, b := seedProjects(t)
	dep := &fakeDeployer{results: map[uuid.UUID][]deploy.TaskResult{
		a.ID: {{TaskID: uuid.New(), Success: true}, {TaskID: uuid.New(), Error: "gateway said no"}},
	}}
	res, err := NewService(st, nil, nil, dep, quietLogger()).DeployApproved(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, dep.seen)

	outcomes := map[uuid.UUID]int{}
	for _, o := range res.Projects {
		outcomes[o.ProjectID] = o.TasksProcessed
	}
	assert.Equal(t, map[uuid.UUID]int{a.ID: 1, b.ID: 0}, outcomes)
}

func TestSchedulerRunOnceSkipsWhenLockHeld(t *testing.T) {
	locker := NewLocalLocker()
	m := NewMetrics(nil)
	s := NewScheduler(locker, m, quietLogger())
	var runs int32
	job := Job{Name: "reprioritize-all", Interval: time.Minute, Run: func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}

	release, ok, err := locker.Acquire(context.Background(), job.Name, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, s.RunOnce(context.Background(), job))
	release()
	assert.True(t, s.RunOnce(context.Background(), job))

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(job.Name, outcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(job.Name, outcomeSuccess)))
}

func TestSchedulerRecordsFailures(t *testing.T) {
	m := NewMetrics(nil)
	s := NewScheduler(nil, m, quietLogger())
	job := Job{Name: "deploy-approved", Interval: time.Minute, Run: func(ctx context.Context) error {
		return errors.New("boom")
	}}
	assert.True(t, s.RunOnce(context.Background(), job))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(job.Name, outcomeError)))
}

func TestSchedulerRunTicksUntilCancelled(t *testing.T) {
	var runs int32
	s := NewScheduler(nil, nil, quietLogger(),
		Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}},
		Job{Name: "disabled", Interval: 0, Run: func(ctx context.Context) error {
			t.Error("disabled job ran")
			return nil
		}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// fakeRedis implements SetNX and the script call the locker makes. The embedded
// Scripter is nil; any other call panics.
type fakeRedis struct {
	redis.Scripter
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	fr := newFakeRedis()
	l := newRedisLocker(fr, "")
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "deploy-approved", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, fr.ttls["management:jobs:deploy-approved"])

	_, ok, err = l.Acquire(ctx, "deploy-approved", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, held := fr.values["management:jobs:deploy-approved"]
	assert.False(t, held)

	_, ok, err = l.Acquire(ctx, "deploy-approved", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseLeavesForeignToken(t *testing.T) {
	fr := newFakeRedis()
	l := newRedisLocker(fr, "jobs:")
	release, ok, err := l.Acquire(context.Background(), "tick", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by another replica taking the lock.
	fr.values["jobs:tick"] = "other-replica"
	release()
	assert.Equal(t, "other-replica", fr.values["jobs:tick"])
}
