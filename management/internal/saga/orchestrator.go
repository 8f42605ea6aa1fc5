// Package saga drives one page through crawl, scoring, content generation, human
// review and deployment. Every state change is persisted before the saga moves on,
// and a failure after a change was queued rolls that change back.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/config"
	"github.com/seomaster/platform/management/internal/events"
	"github.com/seomaster/platform/management/internal/hitl"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/retry"
	"github.com/seomaster/platform/management/internal/store"
)

var (
	ErrTimeout           = errors.New("saga step timed out")
	ErrStepFailed        = errors.New("saga step failed")
	ErrInvalidTransition = errors.New("invalid saga transition")
)

const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"

	rejectedReason    = "HITL rejected"
	changeTypeContent = "content_update"
	cleanupTimeout    = 30 * time.Second
)

type Store interface {
	CreateTask(ctx context.Context, in store.TaskInput) (models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) (models.Task, error)
	MergeTaskMetadata(ctx context.Context, id uuid.UUID, patch map[string]interface{}) error
	GetApprovalByTask(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error)
	InsertChangelog(ctx context.Context, in store.ChangelogInput) (models.Changelog, error)
	MarkChangelogApplied(ctx context.Context, id uuid.UUID) error
	SaveSaga(ctx context.Context, exec models.SagaExecution) error
	GetSaga(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error)
}

type Auditor interface {
	TriggerCrawl(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string) (string, error)
	CrawlStatus(ctx context.Context, correlationID, crawlID string) (string, map[string]interface{}, error)
}

type Scorer interface {
	TriggerScore(ctx context.Context, correlationID string, kind clients.ScoreKind, projectID uuid.UUID, pageURL, crawlID string) (string, error)
	ScoreStatus(ctx context.Context, correlationID string, kind clients.ScoreKind, taskID string) (clients.ScoreStatus, error)
	TriggerContent(ctx context.Context, correlationID string, req clients.ContentRequest) (string, error)
	ContentStatus(ctx context.Context, correlationID, generationID string) (clients.GenerationStatus, error)
}

type Gateway interface {
	QueueChange(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string, changes map[string]interface{}) (string, error)
	ChangeStatus(ctx context.Context, correlationID, changeID string) (string, error)
	Rollback(ctx context.Context, correlationID, changeID string) error
}

type Approvals interface {
	Create(ctx context.Context, taskID uuid.UUID, req hitl.CreateRequest, correlationID string) (models.HITLApproval, error)
}

type Config struct {
	Timeout             time.Duration
	HITLTimeout         time.Duration
	CrawlPollInterval   time.Duration
	ScorePollInterval   time.Duration
	ContentPollInterval time.Duration
	HITLPollInterval    time.Duration
	ApplyPollInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Minute,
		HITLTimeout:         72 * time.Hour,
		CrawlPollInterval:   5 * time.Second,
		ScorePollInterval:   3 * time.Second,
		ContentPollInterval: 3 * time.Second,
		HITLPollInterval:    5 * time.Second,
		ApplyPollInterval:   5 * time.Second,
	}
}

func ConfigFrom(c config.Config) Config {
	return Config{
		Timeout:             c.SagaTimeout,
		HITLTimeout:         c.HITLTimeout,
		CrawlPollInterval:   c.CrawlPollInterval,
		ScorePollInterval:   c.ScorePollInterval,
		ContentPollInterval: c.ContentPollInterval,
		HITLPollInterval:    c.HITLPollInterval,
		ApplyPollInterval:   c.ApplyPollInterval,
	}
}

type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration prometheus.Histogram
	InFlight prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_saga_runs_total",
			Help: "Finished optimization sagas, by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "management_saga_duration_seconds",
			Help:    "Wall time of optimization sagas.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "management_saga_in_flight",
			Help: "Optimization sagas currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Duration, m.InFlight)
	}
	return m
}

type Dependencies struct {
	Store     Store
	Audit     Auditor
	Semantic  Scorer
	Gateway   Gateway
	Approvals Approvals
	Publisher events.Publisher
	Metrics   *Metrics
	Logger    *log.Logger
}

type Orchestrator struct {
	cfg       Config
	store     Store
	audit     Auditor
	semantic  Scorer
	gateway   Gateway
	approvals Approvals
	pub       events.Publisher
	metrics   *Metrics
	logger    *log.Logger
	now       func() time.Time
}

func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HITLTimeout <= 0 {
		cfg.HITLTimeout = def.HITLTimeout
	}
	if cfg.CrawlPollInterval <= 0 {
		cfg.CrawlPollInterval = def.CrawlPollInterval
	}
	if cfg.ScorePollInterval <= 0 {
		cfg.ScorePollInterval = def.ScorePollInterval
	}
	if cfg.ContentPollInterval <= 0 {
		cfg.ContentPollInterval = def.ContentPollInterval
	}
	if cfg.HITLPollInterval <= 0 {
		cfg.HITLPollInterval = def.HITLPollInterval
	}
	if cfg.ApplyPollInterval <= 0 {
		cfg.ApplyPollInterval = def.ApplyPollInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "[saga] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		audit:     deps.Audit,
		semantic:  deps.Semantic,
		gateway:   deps.Gateway,
		approvals: deps.Approvals,
		pub:       deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Params identifies one saga run. A zero SagaID or CorrelationID is generated, and
// a nil TaskID makes the saga open an UPDATE_CONTENT task for the page.
type Params struct {
	SagaID        uuid.UUID
	ProjectID     uuid.UUID
	URL           string
	TaskID        *uuid.UUID
	CorrelationID string
}

// Execute runs a saga for the page and reports whether the change was applied.
// A rejected review returns false with a nil error.
func (o *Orchestrator) Execute(ctx context.Context, projectID uuid.UUID, pageURL string, taskID *uuid.UUID) (bool, error) {
	return o.Run(ctx, Params{ProjectID: projectID, URL: pageURL, TaskID: taskID})
}

// Prepare fills in generated ids and resolves the task the saga works on. A task
// already in a terminal status cannot be optimized again, and a task another
// saga is still working on is refused with ErrAlreadyExists.
func (o *Orchestrator) Prepare(ctx context.Context, p Params) (Params, models.Task, error) {
	if p.ProjectID == uuid.Nil || p.URL == "" {
		return p, models.Task{}, fmt.Errorf("saga needs a project and a url")
	}
	if p.SagaID == uuid.Nil {
		p.SagaID = uuid.New()
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}
	if p.TaskID == nil {
		task, err := o.store.CreateTask(ctx, store.TaskInput{
			ProjectID: p.ProjectID,
			TaskType:  models.TaskUpdateContent,
			Status:    models.TaskPending,
			URL:       p.URL,
			Title:     "Optimize " + p.URL,
			Metadata: models.Metadata{
				"source":         "saga",
				"saga_id":        p.SagaID.String(),
				"correlation_id": p.CorrelationID,
			},
		})
		if err != nil {
			return p, models.Task{}, fmt.Errorf("open task for %s: %w", p.URL, err)
		}
		id := task.ID
		p.TaskID = &id
		return p, task, nil
	}
	task, err := o.store.GetTask(ctx, *p.TaskID)
	if err != nil {
		return p, models.Task{}, fmt.Errorf("load task %s: %w", *p.TaskID, err)
	}
	if task.Status.IsTerminal() {
		return p, task, fmt.Errorf("task %s has status %s: %w", task.ID, task.Status, store.ErrInvalidTransition)
	}
	if task.Status == models.TaskInProgress {
		return p, task, fmt.Errorf("task %s is already in progress: %w", task.ID, store.ErrAlreadyExists)
	}
	if other, ok := task.SagaID(); ok && other != p.SagaID {
		exec, err := o.store.GetSaga(ctx, other)
		switch {
		case err == nil && !exec.State.IsTerminal():
			return p, task, fmt.Errorf("task %s is bound to saga %s in %s: %w", task.ID, other, exec.State, store.ErrAlreadyExists)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return p, task, fmt.Errorf("load saga %s: %w", other, err)
		}
	}
	return p, task, nil
}

// Run executes the saga described by p. See Execute.
func (o *Orchestrator) Run(ctx context.Context, p Params) (bool, error) {
	p, task, err := o.Prepare(ctx, p)
	if err != nil {
		o.abandon(ctx, p, err)
		return false, err
	}
	fsm, err := newMachine(p.SagaID.String())
	if err != nil {
		return false, err
	}
	r := &run{
		o:    o,
		fsm:  fsm,
		task: task,
		exec: models.SagaExecution{
			SagaID:        p.SagaID,
			ProjectID:     p.ProjectID,
			URL:           p.URL,
			TaskID:        p.TaskID,
			State:         models.SagaInitiated,
			CorrelationID: p.CorrelationID,
		},
	}

	start := time.Now()
	o.metrics.InFlight.Inc()
	defer func() {
		o.metrics.InFlight.Dec()
		o.metrics.Duration.Observe(time.Since(start).Seconds())
	}()

	if err := r.save(ctx); err != nil {
		return false, err
	}
	r.logf("started project=%s url=%s task=%s", p.ProjectID, p.URL, task.ID)
	return r.execute(ctx)
}

// abandon fails a saga persisted by Runner.Start whose task was taken before it
// got to run. The task itself is left alone.
func (o *Orchestrator) abandon(ctx context.Context, p Params, cause error) {
	if p.SagaID == uuid.Nil {
		return
	}
	exec, err := o.store.GetSaga(ctx, p.SagaID)
	if err != nil || exec.State != models.SagaInitiated {
		return
	}
	exec.State = models.SagaFailed
	exec.Context.FailureReason = cause.Error()
	if err := o.store.SaveSaga(ctx, exec); err != nil {
		o.logger.Printf("abandon saga %s: %v", p.SagaID, err)
		return
	}
	o.metrics.Runs.WithLabelValues(OutcomeFailed).Inc()
	o.logger.Printf("saga %s abandoned correlation=%s: %v", p.SagaID, p.CorrelationID, cause)
}

// run is the mutable state of one saga execution. It is owned by a single goroutine.
type run struct {
	o    *Orchestrator
	fsm  *machine
	task models.Task
	exec models.SagaExecution
}

func (r *run) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.o.logger.Printf("%s saga=%s correlation=%s", msg, r.exec.SagaID, r.exec.CorrelationID)
}

func (r *run) save(ctx context.Context) error {
	if err := r.o.store.SaveSaga(ctx, r.exec); err != nil {
		return fmt.Errorf("persist saga %s at %s: %w", r.exec.SagaID, r.exec.State, err)
	}
	return nil
}

// advance validates and persists a state change, folding the phase outputs into
// the checkpoint first. phase may be nil when no new outputs exist.
func (r *run) advance(ctx context.Context, next models.SagaState, phase checkpointer) error {
	if err := r.fsm.advance(next); err != nil {
		return err
	}
	r.exec.State = next
	if phase != nil {
		phase.fill(&r.exec.Context)
	}
	return r.save(ctx)
}

// checkpoint persists intermediate outputs without changing state.
func (r *run) checkpoint(ctx context.Context, phase checkpointer) error {
	phase.fill(&r.exec.Context)
	return r.save(ctx)
}

func (r *run) execute(ctx context.Context) (bool, error) {
	if _, err := r.o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskInProgress); err != nil {
		return false, r.fail(ctx, fmt.Errorf("start task %s: %w", r.task.ID, err))
	}
	if err := r.o.store.MergeTaskMetadata(ctx, r.task.ID, map[string]interface{}{
		"saga_id":        r.exec.SagaID.String(),
		"correlation_id": r.exec.CorrelationID,
	}); err != nil {
		return false, r.fail(ctx, fmt.Errorf("bind task %s: %w", r.task.ID, err))
	}
	c, err := r.crawl(ctx)
	if err != nil {
		return false, r.fail(ctx, err)
	}
	s, err := r.score(ctx, c)
	if err != nil {
		return false, r.fail(ctx, err)
	}
	g, err := r.generate(ctx, s)
	if err != nil {
		return false, r.fail(ctx, err)
	}
	rv, approved, err := r.review(ctx, g)
	if err != nil {
		return false, r.fail(ctx, err)
	}
	if !approved {
		r.rejected(ctx)
		return false, nil
	}
	a, err := r.apply(ctx, rv)
	if err != nil {
		return false, r.fail(ctx, err)
	}
	if err := r.complete(ctx, a); err != nil {
		return false, r.fail(ctx, err)
	}
	return true, nil
}

// poll calls check every interval until it reports done. Transient errors are
// logged and polled again; any other error ends the wait. The wait is bounded by
// timeout measured from entry.
func (r *run) poll(ctx context.Context, step string, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check(pctx)
		switch {
		case err == nil && done:
			return nil
		case err != nil && !retry.IsTransient(err):
			return err
		case err != nil:
			r.logf("%s status check failed, polling again: %v", step, err)
		}
		select {
		case <-pctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s did not finish within %s: %w", step, timeout, ErrTimeout)
		case <-ticker.C:
		}
	}
}

func (r *run) crawl(ctx context.Context) (crawled, error) {
	if err := r.advance(ctx, models.SagaCrawling, nil); err != nil {
		return crawled{}, err
	}
	id, err := r.o.audit.TriggerCrawl(ctx, r.exec.CorrelationID, r.exec.ProjectID, r.exec.URL)
	if err != nil {
		return crawled{}, fmt.Errorf("trigger crawl: %w", err)
	}
	c := crawled{CrawlID: id}
	r.logf("crawl initiated crawl_id=%s", id)
	if err := r.checkpoint(ctx, c); err != nil {
		return c, err
	}

	err = r.poll(ctx, "crawl", r.o.cfg.CrawlPollInterval, r.o.cfg.Timeout, func(ctx context.Context) (bool, error) {
		status, doc, err := r.o.audit.CrawlStatus(ctx, r.exec.CorrelationID, id)
		if err != nil {
			return false, err
		}
		switch status {
		case clients.StatusCompleted:
			c.Result = doc
			return true, nil
		case clients.StatusFailed:
			return false, fmt.Errorf("crawl %s failed: %w", id, ErrStepFailed)
		}
		return false, nil
	})
	if err != nil {
		return c, err
	}
	return c, r.advance(ctx, models.SagaCrawlCompleted, c)
}

func (r *run) score(ctx context.Context, c crawled) (scored, error) {
	if err := r.advance(ctx, models.SagaCalculatingScores, nil); err != nil {
		return scored{}, err
	}
	s := scored{crawled: c}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := r.o.semantic.TriggerScore(gctx, r.exec.CorrelationID, clients.ScoreFF, r.exec.ProjectID, r.exec.URL, c.CrawlID)
		if err != nil {
			return fmt.Errorf("trigger ff-score: %w", err)
		}
		s.FFTaskID = id
		return nil
	})
	g.Go(func() error {
		id, err := r.o.semantic.TriggerScore(gctx, r.exec.CorrelationID, clients.ScoreEEAT, r.exec.ProjectID, r.exec.URL, c.CrawlID)
		if err != nil {
			return fmt.Errorf("trigger eeat-score: %w", err)
		}
		s.EEATTaskID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return s, err
	}
	if err := r.checkpoint(ctx, s); err != nil {
		return s, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.pollScore(gctx, clients.ScoreFF, s.FFTaskID)
		s.FFScore = v
		return err
	})
	g.Go(func() error {
		v, err := r.pollScore(gctx, clients.ScoreEEAT, s.EEATTaskID)
		s.EEATScore = v
		return err
	})
	if err := g.Wait(); err != nil {
		return s, err
	}
	r.logf("scores completed ffscore=%v eeat=%v", deref(s.FFScore), deref(s.EEATScore))
	return s, r.advance(ctx, models.SagaScoresCompleted, s)
}

func (r *run) pollScore(ctx context.Context, kind clients.ScoreKind, taskID string) (*float64, error) {
	var score *float64
	err := r.poll(ctx, string(kind), r.o.cfg.ScorePollInterval, r.o.cfg.Timeout, func(ctx context.Context) (bool, error) {
		st, err := r.o.semantic.ScoreStatus(ctx, r.exec.CorrelationID, kind, taskID)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case clients.StatusCompleted:
			score = st.Score
			return true, nil
		case clients.StatusFailed:
			return false, fmt.Errorf("%s calculation %s failed: %w", kind, taskID, ErrStepFailed)
		}
		return false, nil
	})
	return score, err
}

func (r *run) generate(ctx context.Context, s scored) (generated, error) {
	if err := r.advance(ctx, models.SagaGeneratingContent, nil); err != nil {
		return generated{}, err
	}
	id, err := r.o.semantic.TriggerContent(ctx, r.exec.CorrelationID, clients.ContentRequest{
		ProjectID: r.exec.ProjectID,
		URL:       r.exec.URL,
		CrawlID:   s.CrawlID,
		FFScore:   s.FFScore,
		EEATScore: s.EEATScore,
	})
	if err != nil {
		return generated{}, fmt.Errorf("trigger content generation: %w", err)
	}
	g := generated{scored: s, GenerationID: id}
	if err := r.checkpoint(ctx, g); err != nil {
		return g, err
	}

	err = r.poll(ctx, "content generation", r.o.cfg.ContentPollInterval, r.o.cfg.Timeout, func(ctx context.Context) (bool, error) {
		st, err := r.o.semantic.ContentStatus(ctx, r.exec.CorrelationID, id)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case clients.StatusCompleted:
			g.Content = st.Content
			return true, nil
		case clients.StatusFailed:
			return false, fmt.Errorf("content generation %s failed: %w", id, ErrStepFailed)
		}
		return false, nil
	})
	if err != nil {
		return g, err
	}
	return g, r.advance(ctx, models.SagaContentGenerated, g)
}

// review opens the approval and waits for a reviewer. Auto-approved tasks skip
// the review entirely.
func (r *run) review(ctx context.Context, g generated) (reviewed, bool, error) {
	rv := reviewed{generated: g}
	if err := r.advance(ctx, models.SagaAwaitingHITL, nil); err != nil {
		return rv, false, err
	}
	if r.task.Metadata["auto_approved"] == true {
		r.logf("task %s auto-approved, skipping review", r.task.ID)
		return rv, true, r.advance(ctx, models.SagaHITLApproved, rv)
	}

	impact := r.task.ImpactScore
	approval, err := r.o.approvals.Create(ctx, r.task.ID, hitl.CreateRequest{
		DiffData:       g.diff(),
		ImpactScore:    &impact,
		Recommendation: changeTypeContent,
	}, r.exec.CorrelationID)
	if err != nil {
		return rv, false, fmt.Errorf("open review for task %s: %w", r.task.ID, err)
	}
	rv.ApprovalID = approval.ID.String()
	if err := r.checkpoint(ctx, rv); err != nil {
		return rv, false, err
	}
	events.Emit(ctx, r.o.pub, r.o.logger, events.HITLApprovalRequired(events.HITLApprovalRequiredPayload{
		DecisionID:    approval.ID,
		TaskID:        r.task.ID,
		ProjectID:     r.exec.ProjectID,
		URL:           r.exec.URL,
		ExpiresAt:     r.o.now().Add(r.o.cfg.HITLTimeout),
		CorrelationID: r.exec.CorrelationID,
	}))
	r.logf("awaiting review approval=%s", approval.ID)

	var decision models.ApprovalStatus
	err = r.poll(ctx, "hitl review", r.o.cfg.HITLPollInterval, r.o.cfg.HITLTimeout, func(ctx context.Context) (bool, error) {
		a, err := r.o.store.GetApprovalByTask(ctx, r.task.ID)
		if err != nil {
			return false, err
		}
		if a.Status == models.ApprovalApproved || a.Status == models.ApprovalRejected {
			decision = a.Status
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return rv, false, err
	}
	if decision == models.ApprovalRejected {
		return rv, false, r.advance(ctx, models.SagaHITLRejected, rv)
	}
	return rv, true, r.advance(ctx, models.SagaHITLApproved, rv)
}

func (r *run) apply(ctx context.Context, rv reviewed) (applied, error) {
	if err := r.advance(ctx, models.SagaApplyingChanges, nil); err != nil {
		return applied{}, err
	}
	changeID, err := r.o.gateway.QueueChange(ctx, r.exec.CorrelationID, r.exec.ProjectID, r.exec.URL, rv.Content)
	if err != nil {
		return applied{}, fmt.Errorf("queue change: %w", err)
	}
	a := applied{reviewed: rv, ChangeID: changeID}
	r.logf("change queued change_id=%s", changeID)
	if err := r.checkpoint(ctx, a); err != nil {
		return a, err
	}

	diff := rv.diff()
	source := "auto"
	if rv.ApprovalID != "" {
		source = "HITL"
	}
	taskID := r.task.ID
	entry, err := r.o.store.InsertChangelog(ctx, store.ChangelogInput{
		ProjectID:   r.exec.ProjectID,
		TaskID:      &taskID,
		ChangeID:    changeID,
		EntityID:    r.exec.URL,
		EntityType:  "page",
		ChangeType:  changeTypeContent,
		BeforeValue: diff.Before,
		AfterValue:  diff.After,
		Source:      source,
		Metadata: models.Metadata{
			"saga_id":        r.exec.SagaID.String(),
			"correlation_id": r.exec.CorrelationID,
		},
	})
	if err != nil {
		return a, fmt.Errorf("write changelog for change %s: %w", changeID, err)
	}

	err = r.poll(ctx, "change application", r.o.cfg.ApplyPollInterval, r.o.cfg.Timeout, func(ctx context.Context) (bool, error) {
		status, err := r.o.gateway.ChangeStatus(ctx, r.exec.CorrelationID, changeID)
		if err != nil {
			return false, err
		}
		switch status {
		case clients.StatusApplied:
			return true, nil
		case clients.StatusFailed:
			return false, fmt.Errorf("change %s failed to apply: %w", changeID, ErrStepFailed)
		}
		return false, nil
	})
	if err != nil {
		return a, err
	}

	// confirmed_at, applied_at and archival belong to the gateway callback.
	if err := r.o.store.MarkChangelogApplied(ctx, entry.ID); err != nil {
		r.logf("mark change %s applied: %v", changeID, err)
	}
	return a, nil
}

func (r *run) complete(ctx context.Context, a applied) error {
	if err := r.advance(ctx, models.SagaCompleted, a); err != nil {
		return err
	}
	if _, err := r.o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskCompleted); err != nil {
		r.logf("mark task %s completed: %v", r.task.ID, err)
	}
	if err := r.o.store.MergeTaskMetadata(ctx, r.task.ID, map[string]interface{}{
		"saga_id":      r.exec.SagaID.String(),
		"change_id":    a.ChangeID,
		"completed_at": r.o.now().Format(time.RFC3339Nano),
	}); err != nil {
		r.logf("record completion on task %s: %v", r.task.ID, err)
	}
	r.o.metrics.Runs.WithLabelValues(OutcomeCompleted).Inc()
	r.logf("completed change_id=%s", a.ChangeID)
	events.Emit(ctx, r.o.pub, r.o.logger, events.OptimizationCompleted(r.payload("")))
	return nil
}

// rejected ends a saga whose change a reviewer turned down. Nothing was queued, so
// there is nothing to compensate.
func (r *run) rejected(ctx context.Context) {
	if _, err := r.o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskCancelled); err != nil {
		r.logf("mark task %s cancelled: %v", r.task.ID, err)
	}
	r.o.metrics.Runs.WithLabelValues(OutcomeRejected).Inc()
	r.logf("review rejected, task %s cancelled", r.task.ID)
	events.Emit(ctx, r.o.pub, r.o.logger, events.OptimizationFailed(r.payload(rejectedReason)))
}

// fail routes the saga through COMPENSATING to FAILED. Cleanup runs on a context
// detached from cancellation so a cancelled saga still records its outcome.
func (r *run) fail(ctx context.Context, cause error) error {
	r.logf("failed in %s: %v", r.exec.State, cause)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := r.advance(ctx, models.SagaCompensating, nil); err != nil {
		r.logf("enter compensation: %v", err)
	}
	r.compensate(ctx)
	r.exec.Context.FailureReason = cause.Error()
	if err := r.advance(ctx, models.SagaFailed, nil); err != nil {
		r.logf("record failure: %v", err)
	}

	if _, err := r.o.store.UpdateTaskStatus(ctx, r.task.ID, models.TaskFailed); err != nil {
		r.logf("mark task %s failed: %v", r.task.ID, err)
	}
	if err := r.o.store.MergeTaskMetadata(ctx, r.task.ID, map[string]interface{}{
		"error": map[string]interface{}{
			"message":   cause.Error(),
			"failed_at": r.o.now().Format(time.RFC3339Nano),
			"saga_id":   r.exec.SagaID.String(),
		},
	}); err != nil {
		r.logf("record failure on task %s: %v", r.task.ID, err)
	}
	r.o.metrics.Runs.WithLabelValues(OutcomeFailed).Inc()
	events.Emit(ctx, r.o.pub, r.o.logger, events.OptimizationFailed(r.payload(cause.Error())))
	return cause
}

// compensate rolls back the queued change, if any. A failed rollback is recorded
// and logged; the saga failure stays the reported outcome.
func (r *run) compensate(ctx context.Context) {
	changeID := r.exec.Context.ChangeID
	if changeID == "" {
		r.exec.Context.CompensateNote = "no change queued"
		return
	}
	r.logf("rolling back change_id=%s", changeID)
	if err := r.o.gateway.Rollback(ctx, r.exec.CorrelationID, changeID); err != nil {
		r.exec.Context.CompensateNote = "rollback failed: " + err.Error()
		r.logf("rollback of change %s failed: %v", changeID, err)
		return
	}
	r.exec.Context.Compensated = true
}

func (r *run) payload(reason string) events.OptimizationPayload {
	return events.OptimizationPayload{
		SagaID:        r.exec.SagaID,
		ProjectID:     r.exec.ProjectID,
		URL:           r.exec.URL,
		TaskID:        r.exec.TaskID,
		Reason:        reason,
		FFScore:       r.exec.Context.FFScore,
		EEATScore:     r.exec.Context.EEATScore,
		CorrelationID: r.exec.CorrelationID,
	}
}

func deref(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
