package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/prioritizer"
	"github.com/seomaster/platform/management/internal/store"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestKafkaPublisherWritesEnvelope(t *testing.T) {
	w := &fakeWriter{failures: 1}
	pub := newKafkaPublisher(w, KafkaPublisherConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, WriteTimeout: time.Second})

	task := models.Task{ID: uuid.New(), ProjectID: uuid.New(), TaskType: models.TaskUpdateMeta, URL: "https://example.com/"}
	require.NoError(t, pub.Publish(context.Background(), TaskCreated(task, "corr-7")))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, TopicTaskCreated, msg.Topic)
	assert.Equal(t, task.ProjectID.String(), string(msg.Key))
	assert.Equal(t, "corr-7", header(msg, "correlation_id"))
	assert.Equal(t, NameTaskCreated, header(msg, "event_type"))

	var env struct {
		EventID   string `json:"event_id"`
		EventName string `json:"event_name"`
		Payload   struct {
			TaskID   string                 `json:"task_id"`
			TaskType string                 `json:"task_type"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, NameTaskCreated, env.EventName)
	assert.Equal(t, task.ID.String(), env.Payload.TaskID)
	assert.Equal(t, "UPDATE_META", env.Payload.TaskType)
	assert.NotNil(t, env.Payload.Metadata)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	pub := newKafkaPublisher(w, KafkaPublisherConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond})

	err := pub.Publish(context.Background(), OptimizationFailed(OptimizationPayload{ProjectID: uuid.New(), Reason: "boom"}))
	require.Error(t, err)
	assert.Equal(t, 2, w.calls)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	var buf bytes.Buffer
	pub := &MemoryPublisher{Err: errors.New("bus down")}
	Emit(context.Background(), pub, log.New(&buf, "", 0), HITLApproved(HITLApprovedPayload{ProjectID: uuid.New()}))
	assert.Contains(t, buf.String(), "publish HITLApproved failed")
}

func TestOptimizationEventsSetSuccess(t *testing.T) {
	ok := OptimizationCompleted(OptimizationPayload{ProjectID: uuid.New()})
	failed := OptimizationFailed(OptimizationPayload{ProjectID: uuid.New(), Success: true})
	assert.True(t, ok.Envelope.Payload.(OptimizationPayload).Success)
	assert.False(t, failed.Envelope.Payload.(OptimizationPayload).Success)
	assert.Equal(t, TopicOptimizationFailed, failed.Topic)
}

func newHandlerFixture(t *testing.T) (*store.MemoryStore, *Handlers, models.Project) {
	t.Helper()
	st := store.NewMemoryStore()
	project, err := st.CreateProject(context.Background(), store.ProjectInput{Name: "shop", Domain: "example.com", IsActive: true})
	require.NoError(t, err)
	p, err := prioritizer.New(prioritizer.DefaultConfig())
	require.NoError(t, err)
	svc := prioritizer.NewService(st, p, quietLogger())
	return st, NewHandlers(st, svc, quietLogger()), project
}

func TestCrawlCompletedUpdatesTaskAndProject(t *testing.T) {
	st, h, project := newHandlerFixture(t)
	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.TaskInput{ProjectID: project.ID, TaskType: models.TaskUpdateMeta, URL: "https://example.com/"})
	require.NoError(t, err)

	raw, _ := json.Marshal(map[string]interface{}{
		"event_name": "CrawlCompleted",
		"payload": map[string]interface{}{
			"task_id":  task.ID.String(),
			"crawl_id": "crawl-1",
			"summary":  map[string]interface{}{"pages": 12},
		},
	})
	res, err := h.CrawlCompleted(ctx, raw, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedTasks)
	assert.True(t, res.UpdatedProject)
	assert.Equal(t, "crawl-1", res.AuditID)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "crawl-1", got.Metadata.String("crawl_id"))
	assert.Equal(t, "crawl-1", got.Metadata.String("audit_result_id"))
	assert.Equal(t, "corr-1", got.Metadata.String("correlation_id"))

	proj, err := st.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "crawl-1", proj.Metadata.String("latest_crawl_id"))
}

func TestCrawlCompletedUnknownTask(t *testing.T) {
	_, h, _ := newHandlerFixture(t)
	raw, _ := json.Marshal(map[string]interface{}{"task_id": uuid.NewString(), "crawl_id": "c"})
	_, err := h.CrawlCompleted(context.Background(), raw, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFFScoreRecalculatedRescoresTasks(t *testing.T) {
	st, h, project := newHandlerFixture(t)
	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.TaskInput{
		ProjectID: project.ID,
		TaskType:  models.TaskUpdateMeta,
		URL:       "https://example.com/",
		Metadata:  models.Metadata{"expected_ffscore": 70.0},
	})
	require.NoError(t, err)

	raw, _ := json.Marshal(map[string]interface{}{"project_id": project.ID.String(), "ffscore": 40})
	res, err := h.FFScoreRecalculated(ctx, raw, "corr-2")
	require.NoError(t, err)
	require.NotNil(t, res.FFScore)
	assert.Equal(t, 40.0, *res.FFScore)
	assert.Nil(t, res.EEATScore)
	assert.Equal(t, 1, res.UpdatedTasks)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	cur, ok := got.Metadata.Float("current_ffscore")
	require.True(t, ok)
	assert.Equal(t, 40.0, cur)
	assert.Equal(t, 0.52, got.PriorityScore)
	assert.Equal(t, "high", got.Metadata.String("urgency_level"))

	proj, err := st.GetProject(ctx, project.ID)
	require.NoError(t, err)
	ff, ok := proj.Metadata.Float("ffscore")
	require.True(t, ok)
	assert.Equal(t, 40.0, ff)
}

func TestFFScoreRecalculatedRequiresProject(t *testing.T) {
	_, h, _ := newHandlerFixture(t)
	_, err := h.FFScoreRecalculated(context.Background(), []byte(`{"ffscore": 50}`), "")
	assert.Error(t, err)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerCommitsEveryMessage(t *testing.T) {
	st, h, project := newHandlerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, _ := json.Marshal(map[string]interface{}{"project_id": project.ID.String(), "ff_score": 55.5, "eeat": 61})
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Topic: TopicFFScoreRecalculated, Value: good, Headers: []kafka.Header{{Key: "correlation_id", Value: []byte("c-1")}}},
		{Topic: TopicCrawlCompleted, Value: []byte(`not json`)},
	}}
	c := newConsumer(r, h, quietLogger())
	require.NoError(t, c.Run(ctx))

	assert.Len(t, r.committed, 2)
	proj, err := st.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	eeat, ok := proj.Metadata.Float("eeat_score")
	require.True(t, ok)
	assert.Equal(t, 61.0, eeat)
}

func TestConsumerRejectsUnknownTopic(t *testing.T) {
	_, h, _ := newHandlerFixture(t)
	c := newConsumer(&fakeReader{}, h, quietLogger())
	assert.Error(t, c.Handle(context.Background(), kafka.Message{Topic: "other"}))
}
