package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/seomaster/platform/management/internal/archive"
	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/config"
	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/events"
	"github.com/seomaster/platform/management/internal/hitl"
	"github.com/seomaster/platform/management/internal/interlink"
	"github.com/seomaster/platform/management/internal/internalhttp"
	"github.com/seomaster/platform/management/internal/jobs"
	"github.com/seomaster/platform/management/internal/prioritizer"
	"github.com/seomaster/platform/management/internal/retry"
	"github.com/seomaster/platform/management/internal/saga"
	"github.com/seomaster/platform/management/internal/store"
	"github.com/seomaster/platform/management/internal/tasks"
)

// app holds every wired component. Commands build one and use the parts they need.
type app struct {
	cfg      config.Config
	db       *sql.DB
	store    *store.PGStore
	registry *prometheus.Registry
	redis    *redis.Client

	publisher  events.Publisher
	closePub   func() error
	audit      *clients.AuditClient
	semantic   *clients.SemanticClient
	gateway    *clients.GatewayClient
	prio       *prioritizer.Service
	tasks      *tasks.Service
	deployer   *deploy.Adapter
	reviews    *hitl.Service
	runner     *saga.Runner
	interlinks *interlink.Generator
	jobs       *jobs.Service
	jobMetrics *jobs.Metrics
	locker     jobs.Locker
}

func logger(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags)
}

func openDB(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func serviceClient(cfg config.Config, service, baseURL string) (*internalhttp.Client, error) {
	return internalhttp.New(internalhttp.Config{
		Service: service,
		BaseURL: baseURL,
		APIKey:  cfg.InternalAPIKey,
		Timeout: cfg.RequestTimeout,
		Retry: retry.Policy{
			MaxAttempts:  cfg.RequestRetries,
			InitialDelay: cfg.SagaRetryInitialDelay,
			MaxDelay:     cfg.SagaRetryMaxDelay,
		},
	})
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, store: store.NewPGStore(db), registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.wireBus(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireClients(); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	p, err := prioritizer.New(prioritizer.Config{
		ImpactWeight:       cfg.ImpactWeight,
		UrgencyWeight:      cfg.UrgencyWeight,
		EffortWeight:       cfg.EffortWeight,
		AutoApproveLowRisk: cfg.AutoApproveLowRisk,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.prio = prioritizer.NewService(a.store, p, logger("prioritizer"))
	a.tasks = tasks.NewService(a.store, a.prio, a.publisher, logger("tasks"))

	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		archiver = s3a
	}
	policy := retry.Policy{MaxAttempts: cfg.SagaRetryMaxAttempts, InitialDelay: cfg.SagaRetryInitialDelay, MaxDelay: cfg.SagaRetryMaxDelay}
	a.deployer = deploy.NewAdapter(a.gateway, a.store, archiver, deploy.Config{Retry: policy}, deploy.NewMetrics(a.registry), logger("deploy"))
	a.reviews = hitl.NewService(a.store, a.deployer, a.publisher, hitl.NewMetrics(a.registry), logger("hitl"))

	orch := saga.NewOrchestrator(saga.ConfigFrom(cfg), saga.Dependencies{
		Store:     a.store,
		Audit:     a.audit,
		Semantic:  a.semantic,
		Gateway:   a.gateway,
		Approvals: a.reviews,
		Publisher: a.publisher,
		Metrics:   saga.NewMetrics(a.registry),
		Logger:    logger("saga"),
	})
	a.runner = saga.NewRunner(orch, cfg.MaxConcurrentPerProj, logger("saga"))

	var cache interlink.Cache = interlink.NewMemoryCache()
	if a.redis != nil {
		cache = interlink.NewRedisCache(a.redis)
	}
	a.interlinks = interlink.NewGenerator(interlink.DefaultConfig(), interlink.Dependencies{
		Audit:    a.audit,
		Semantic: a.semantic,
		Projects: a.store,
		Tasks:    a.tasks,
		Cache:    cache,
		Metrics:  interlink.NewMetrics(a.registry),
		Logger:   logger("interlink"),
	})

	a.jobs = jobs.NewService(a.store, a.semantic, a.prio, a.deployer, logger("jobs"))
	a.jobMetrics = jobs.NewMetrics(a.registry)
	a.locker = jobs.NewLocalLocker()
	if a.redis != nil {
		a.locker = jobs.NewRedisLocker(a.redis, "")
	}
	return a, nil
}

func (a *app) wireBus() error {
	if len(a.cfg.KafkaBrokers) == 0 {
		a.publisher = events.NopPublisher{Logger: logger("events")}
		a.closePub = func() error { return nil }
		return nil
	}
	kp, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{Brokers: a.cfg.KafkaBrokers})
	if err != nil {
		return err
	}
	a.publisher = kp
	a.closePub = kp.Close
	return nil
}

func (a *app) wireClients() error {
	auditHTTP, err := serviceClient(a.cfg, "audit", a.cfg.AuditServiceURL)
	if err != nil {
		return err
	}
	semanticHTTP, err := serviceClient(a.cfg, "semantic", a.cfg.SemanticServiceURL)
	if err != nil {
		return err
	}
	gatewayHTTP, err := serviceClient(a.cfg, "gateway", a.cfg.ClientGatewayURL)
	if err != nil {
		return err
	}
	a.audit = clients.NewAuditClient(auditHTTP)
	a.semantic = clients.NewSemanticClient(semanticHTTP)
	a.gateway = clients.NewGatewayClient(gatewayHTTP)
	return nil
}

// consumer returns nil when no brokers are configured.
func (a *app) consumer() (*events.Consumer, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	h := events.NewHandlers(a.store, a.prio, logger("events"))
	return events.NewConsumer(events.ConsumerConfig{Brokers: a.cfg.KafkaBrokers, GroupID: a.cfg.KafkaConsumerGroup}, h, logger("events"))
}

func (a *app) scheduler() *jobs.Scheduler {
	return jobs.NewScheduler(a.locker, a.jobMetrics, logger("jobs"),
		a.jobs.Standard(a.cfg.FFScoreRecalcInterval, a.cfg.ReprioritizeInterval, a.cfg.DeployApprovedInterval)...)
}

func (a *app) Close() {
	if a.closePub != nil {
		if err := a.closePub(); err != nil {
			log.Printf("close publisher: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
