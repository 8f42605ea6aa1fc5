package jobs

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "management_job_runs_total",
			Help: "Periodic job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "management_job_duration_seconds",
			Help:    "Duration of periodic job runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Duration)
	}
	return m
}

// Scheduler runs each job on its own ticker. A run only happens when the locker
// grants the job's key, so replicas sharing a Redis do not repeat work.
type Scheduler struct {
	jobs    []Job
	locker  Locker
	metrics *Metrics
	logger  *log.Logger
}

func NewScheduler(locker Locker, metrics *Metrics, logger *log.Logger, jobs ...Job) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[jobs] ", log.LstdFlags)
	}
	return &Scheduler{jobs: jobs, locker: locker, metrics: metrics, logger: logger}
}

// Run blocks until ctx is done. Jobs with a non-positive interval are disabled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			s.logger.Printf("job %s disabled", j.Name)
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.RunOnce(ctx, j)
				case <-ctx.Done():
					return
				}
			}
		}(j)
	}
	wg.Wait()
}

// RunOnce executes j under its lock and reports whether it ran.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) bool {
	// The lock expires after one interval.
	release, ok, err := s.locker.Acquire(ctx, j.Name, j.Interval)
	if err != nil {
		s.metrics.Runs.WithLabelValues(j.Name, outcomeError).Inc()
		s.logger.Printf("job %s: lock: %v", j.Name, err)
		return false
	}
	if !ok {
		s.metrics.Runs.WithLabelValues(j.Name, outcomeSkipped).Inc()
		return false
	}
	defer release()

	start := time.Now()
	err = j.Run(ctx)
	s.metrics.Duration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.Runs.WithLabelValues(j.Name, outcomeError).Inc()
		s.logger.Printf("job %s failed after %s: %v", j.Name, time.Since(start).Round(time.Millisecond), err)
		return true
	}
	s.metrics.Runs.WithLabelValues(j.Name, outcomeSuccess).Inc()
	s.logger.Printf("job %s completed in %s", j.Name, time.Since(start).Round(time.Millisecond))
	return true
}

// Standard returns the service's periodic jobs with the given intervals.
func (s *Service) Standard(ffscore, reprioritize, deployApproved time.Duration) []Job {
	return []Job{
		{Name: "ffscore-recalculation", Interval: ffscore, Run: func(ctx context.Context) error {
			_, err := s.DailyFFScoreRecalculation(ctx)
			return err
		}},
		{Name: "reprioritize-all", Interval: reprioritize, Run: func(ctx context.Context) error {
			_, err := s.ReprioritizeAllProjects(ctx, "scheduler-reprioritize")
			return err
		}},
		{Name: "deploy-approved", Interval: deployApproved, Run: func(ctx context.Context) error {
			_, err := s.DeployApproved(ctx, "scheduler-deploy-approved")
			return err
		}},
	}
}
