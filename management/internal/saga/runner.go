package saga

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/seomaster/platform/management/internal/models"
)

// Runner starts sagas in the background with at most limit running per project.
// Sagas beyond the limit wait in INITIATED until a slot frees up.
type Runner struct {
	orch   *Orchestrator
	limit  int64
	logger *log.Logger

	mu   sync.Mutex
	sems map[uuid.UUID]*semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(orch *Orchestrator, limit int, logger *log.Logger) *Runner {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[saga] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		orch:   orch,
		limit:  int64(limit),
		logger: logger,
		sems:   make(map[uuid.UUID]*semaphore.Weighted),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) projectSem(projectID uuid.UUID) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[projectID]
	if !ok {
		sem = semaphore.NewWeighted(r.limit)
		r.sems[projectID] = sem
	}
	return sem
}

// Start resolves the task, persists the saga as INITIATED and returns it; the saga
// itself runs after Start returns.
func (r *Runner) Start(ctx context.Context, p Params) (models.SagaExecution, error) {
	if err := r.ctx.Err(); err != nil {
		return models.SagaExecution{}, fmt.Errorf("saga runner stopped: %w", err)
	}
	p, _, err := r.orch.Prepare(ctx, p)
	if err != nil {
		return models.SagaExecution{}, err
	}
	exec := models.SagaExecution{
		SagaID:        p.SagaID,
		ProjectID:     p.ProjectID,
		URL:           p.URL,
		TaskID:        p.TaskID,
		State:         models.SagaInitiated,
		CorrelationID: p.CorrelationID,
	}
	if err := r.orch.store.SaveSaga(ctx, exec); err != nil {
		return models.SagaExecution{}, fmt.Errorf("persist saga %s: %w", p.SagaID, err)
	}

	sem := r.projectSem(p.ProjectID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := sem.Acquire(r.ctx, 1); err != nil {
			r.logger.Printf("saga %s not started: %v", p.SagaID, err)
			return
		}
		defer sem.Release(1)
		ok, err := r.orch.Run(r.ctx, p)
		if err != nil {
			r.logger.Printf("saga %s finished with error correlation=%s: %v", p.SagaID, p.CorrelationID, err)
			return
		}
		r.logger.Printf("saga %s finished success=%t correlation=%s", p.SagaID, ok, p.CorrelationID)
	}()
	return exec, nil
}

func (r *Runner) Get(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error) {
	return r.orch.store.GetSaga(ctx, sagaID)
}

// Wait blocks until every started saga has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels running sagas, which then fail through compensation, and waits for them.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}
