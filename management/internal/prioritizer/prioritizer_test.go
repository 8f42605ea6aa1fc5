package prioritizer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/store"
)

func f(v float64) *float64 { return &v }

func newPrioritizer(t *testing.T, autoApprove bool) *Prioritizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AutoApproveLowRisk = autoApprove
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestCombinedScore(t *testing.T) {
	assert.Equal(t, 50.0, CombinedScore(nil, nil))
	assert.Equal(t, 40.0, CombinedScore(f(40), nil))
	assert.Equal(t, 30.0, CombinedScore(f(30), nil))
	assert.Equal(t, 80.0, CombinedScore(nil, f(80)))
	assert.InDelta(t, 52.0, CombinedScore(f(40), f(80)), 1e-9)
}

func TestUrgencyBuckets(t *testing.T) {
	cases := []struct {
		score   float64
		urgency float64
		level   string
	}{
		{0, 1.0, UrgencyCritical},
		{29.99, 1.0, UrgencyCritical},
		{30, 0.8, UrgencyHigh},
		{49.9, 0.8, UrgencyHigh},
		{50, 0.6, UrgencyMedium},
		{69.9, 0.6, UrgencyMedium},
		{70, 0.4, UrgencyLow},
		{84.9, 0.4, UrgencyLow},
		{85, 0.2, UrgencyLow},
		{100, 0.2, UrgencyLow},
	}
	for _, tc := range cases {
		snap := models.ScoreSnapshot{CurrentFFScore: f(tc.score)}
		assert.Equal(t, tc.urgency, Urgency(snap), "score %v", tc.score)
		assert.Equal(t, tc.level, UrgencyLevel(snap), "score %v", tc.score)
	}
}

func TestImpactClamped(t *testing.T) {
	assert.Equal(t, 0.0, Impact(models.ScoreSnapshot{CurrentFFScore: f(80), ExpectedFFScore: f(60)}))
	assert.Equal(t, 1.0, Impact(models.ScoreSnapshot{CurrentFFScore: f(-100), ExpectedFFScore: f(100)}))
	assert.Equal(t, 0.0, Impact(models.ScoreSnapshot{}))
}

func TestEffortCustomOverride(t *testing.T) {
	task := models.Task{TaskType: models.TaskUpdateContent, Metadata: models.Metadata{}}
	assert.Equal(t, 1.0, Effort(task))

	task.Metadata["custom_effort"] = float64(2)
	assert.Equal(t, 0.4, Effort(task))

	task.Metadata["custom_effort"] = float64(9)
	assert.Equal(t, 1.0, Effort(task))

	assert.Equal(t, 0.6, Effort(models.Task{TaskType: models.TaskFix404}))
}

func TestScoreScenarioMetaUpdate(t *testing.T) {
	p := newPrioritizer(t, false)
	task := models.Task{
		TaskType: models.TaskUpdateMeta,
		Metadata: models.Metadata{"current_ffscore": float64(40), "expected_ffscore": float64(70)},
	}
	s := p.Score(task)
	assert.InDelta(t, 0.3, s.Impact, 1e-9)
	assert.Equal(t, 0.8, s.Urgency)
	assert.Equal(t, UrgencyHigh, s.UrgencyLevel)
	assert.Equal(t, 0.2, s.Effort)
	assert.Equal(t, 0.52, s.Priority)
}

func TestScoreStaysInRange(t *testing.T) {
	p := newPrioritizer(t, false)
	types := []models.TaskType{models.TaskUpdateMeta, models.TaskUpdateContent, models.TaskFix404, models.TaskOptimizeImages}
	for _, tt := range types {
		for cur := -20.0; cur <= 120; cur += 15 {
			for exp := -20.0; exp <= 120; exp += 15 {
				s := p.Score(models.Task{TaskType: tt, Metadata: models.Metadata{
					"current_ffscore": cur, "expected_ffscore": exp, "current_eeat": exp, "expected_eeat": cur,
				}})
				assert.GreaterOrEqual(t, s.Impact, 0.0)
				assert.LessOrEqual(t, s.Impact, 1.0)
				assert.Contains(t, []float64{1.0, 0.8, 0.6, 0.4, 0.2}, s.Urgency)
				assert.GreaterOrEqual(t, s.Priority, 0.0)
				assert.LessOrEqual(t, s.Priority, 1.0)
			}
		}
	}
}

func TestPrioritizeOrdersByPriorityThenAge(t *testing.T) {
	p := newPrioritizer(t, false)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	same := models.Metadata{"current_ffscore": float64(60), "expected_ffscore": float64(70)}

	newer := models.Task{ID: uuid.New(), TaskType: models.TaskUpdateMeta, Metadata: same, CreatedAt: base.Add(time.Hour)}
	older := models.Task{ID: uuid.New(), TaskType: models.TaskUpdateMeta, Metadata: same, CreatedAt: base}
	urgent := models.Task{ID: uuid.New(), TaskType: models.TaskUpdateMeta, CreatedAt: base.Add(2 * time.Hour),
		Metadata: models.Metadata{"current_ffscore": float64(10), "expected_ffscore": float64(90)}}

	out := p.Prioritize([]models.Task{newer, older, urgent})
	require.Len(t, out, 3)
	assert.Equal(t, urgent.ID, out[0].ID)
	assert.Equal(t, older.ID, out[1].ID)
	assert.Equal(t, newer.ID, out[2].ID)

	reversed := p.Prioritize([]models.Task{urgent, older, newer})
	assert.Equal(t, older.ID, reversed[1].ID)

	twinA := models.Task{ID: uuid.New(), TaskType: models.TaskUpdateMeta, Metadata: same, CreatedAt: base}
	twinB := models.Task{ID: uuid.New(), TaskType: models.TaskUpdateMeta, Metadata: same, CreatedAt: base}
	stable := p.Prioritize([]models.Task{twinA, twinB})
	assert.Equal(t, twinA.ID, stable[0].ID)
	assert.Equal(t, twinB.ID, stable[1].ID)

	assert.Equal(t, out[0].PriorityScore, out[0].Metadata["priority_score"])
	_, leaked := same["priority_score"]
	assert.False(t, leaked)
}

func TestShouldAutoApprove(t *testing.T) {
	small := models.Task{TaskType: models.TaskUpdateMeta,
		Metadata: models.Metadata{"current_ffscore": float64(60), "expected_ffscore": float64(70)}}

	off := newPrioritizer(t, false)
	assert.False(t, off.ShouldAutoApprove(small))

	on := newPrioritizer(t, true)
	assert.True(t, on.ShouldAutoApprove(small))

	atBound := models.Task{TaskType: models.TaskUpdateMeta,
		Metadata: models.Metadata{"current_ffscore": float64(40), "expected_ffscore": float64(70)}}
	assert.False(t, on.ShouldAutoApprove(atBound))

	risky := small
	risky.TaskType = models.TaskUpdateContent
	assert.False(t, on.ShouldAutoApprove(risky))

	heavy := models.Task{TaskType: models.TaskAddInternalLinks, Metadata: models.Metadata{"custom_effort": float64(4)}}
	assert.False(t, on.ShouldAutoApprove(heavy))
}

func TestNewRejectsUnbalancedWeights(t *testing.T) {
	_, err := New(Config{ImpactWeight: 0.5, UrgencyWeight: 0.5, EffortWeight: 0.5})
	assert.Error(t, err)
}

func TestReprioritizeProjectPersistsScores(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	projectID := uuid.New()

	low, err := mem.CreateTask(ctx, store.TaskInput{ProjectID: projectID, TaskType: models.TaskUpdateContent,
		Metadata: models.Metadata{"current_ffscore": float64(80), "expected_ffscore": float64(85)}})
	require.NoError(t, err)
	high, err := mem.CreateTask(ctx, store.TaskInput{ProjectID: projectID, TaskType: models.TaskUpdateMeta,
		Metadata: models.Metadata{"current_ffscore": float64(20), "expected_ffscore": float64(80)}})
	require.NoError(t, err)
	done, err := mem.CreateTask(ctx, store.TaskInput{ProjectID: projectID, TaskType: models.TaskUpdateMeta, Status: models.TaskCompleted})
	require.NoError(t, err)

	svc := NewService(mem, newPrioritizer(t, false), nil)
	ordered, err := svc.ReprioritizeProject(ctx, projectID, 0)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, high.ID, ordered[0].ID)
	assert.Equal(t, low.ID, ordered[1].ID)

	stored, err := mem.GetTask(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, ordered[0].PriorityScore, stored.PriorityScore)
	assert.Equal(t, UrgencyCritical, stored.Metadata.String("urgency_level"))

	untouched, err := mem.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, untouched.PriorityScore)

	next, err := svc.NextTask(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, high.ID, next.ID)

	limited, err := svc.ReprioritizeProject(ctx, projectID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = svc.NextTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
