package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seomaster/platform/management/internal/auth"
	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/hitl"
	"github.com/seomaster/platform/management/internal/interlink"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/saga"
	"github.com/seomaster/platform/management/internal/store"
	"github.com/seomaster/platform/management/internal/tasks"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	serviceName         = "management-service"
	defaultTimeout      = 60 * time.Second
)

type TaskService interface {
	Create(ctx context.Context, in tasks.NewTask, correlationID string) (models.Task, error)
	Get(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListPrioritized(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error)
	ReprioritizeProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.Task, error)
}

type ReviewService interface {
	Create(ctx context.Context, taskID uuid.UUID, req hitl.CreateRequest, correlationID string) (models.HITLApproval, error)
	Get(ctx context.Context, taskID uuid.UUID) (models.HITLApproval, error)
	Approve(ctx context.Context, taskID uuid.UUID, d hitl.Decision, correlationID string) (hitl.ApproveResult, error)
	Reject(ctx context.Context, taskID uuid.UUID, d hitl.Decision, correlationID string) (hitl.RejectResult, error)
	BatchApprove(ctx context.Context, taskIDs []uuid.UUID, actor string, autoDeploy bool, correlationID string) hitl.BatchResult
	Pending(ctx context.Context, projectID *uuid.UUID, limit, offset int) ([]models.HITLApproval, error)
	PendingCount(ctx context.Context, projectID *uuid.UUID) (int, error)
	HighImpactPending(ctx context.Context, projectID *uuid.UUID, minImpact float64, limit int) ([]models.HITLApproval, error)
	Statistics(ctx context.Context, projectID *uuid.UUID) (models.ApprovalStats, error)
}

type Deployments interface {
	ConfirmChange(ctx context.Context, changeID string, c deploy.Confirmation) (models.Changelog, error)
	PendingChanges(ctx context.Context, projectID uuid.UUID, limit int, correlationID string) ([]map[string]interface{}, error)
	DeploymentStatus(ctx context.Context, projectID uuid.UUID, changeID, correlationID string) (map[string]interface{}, error)
	DeployApprovedTasks(ctx context.Context, projectID uuid.UUID, max int, correlationID string) ([]deploy.TaskResult, error)
}

type Sagas interface {
	Start(ctx context.Context, p saga.Params) (models.SagaExecution, error)
	Get(ctx context.Context, sagaID uuid.UUID) (models.SagaExecution, error)
}

type Interlinks interface {
	GenerateForProject(ctx context.Context, projectID uuid.UUID, maxPages int, correlationID string) (interlink.ProjectResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Tasks       TaskService
	Reviews     ReviewService
	Deployments Deployments
	Sagas       Sagas
	Interlinks  Interlinks
	Health      Pinger
	Reviewer    *auth.ReviewerVerifier
	InternalKey string
	Gatherer    prometheus.Gatherer
	Timeout     time.Duration
	Logger      *log.Logger
}

type Server struct {
	deps   Dependencies
	logger *log.Logger
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "[http] ", log.LstdFlags)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	if deps.Reviewer == nil {
		deps.Reviewer = auth.NewReviewerVerifier("", "")
	}
	return &Server{deps: deps, logger: deps.Logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlation)
	r.Use(middleware.Timeout(s.deps.Timeout))

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/projects/{id}/tasks/prioritized", s.handlePrioritized)
	r.Post("/projects/{id}/reprioritize", s.handleReprioritize)

	r.Route("/hitl", func(r chi.Router) {
		r.Use(auth.RequireReviewer(s.deps.Reviewer))
		r.Get("/pending", s.handlePending)
		r.Get("/pending/count", s.handlePendingCount)
		r.Get("/high-impact", s.handleHighImpact)
		r.Get("/statistics", s.handleStatistics)
		r.Post("/batch-approve", s.handleBatchApprove)
		r.Get("/{task_id}", s.handleGetApproval)
		r.Post("/{task_id}", s.handleCreateApproval)
		r.Post("/{task_id}/approve", s.handleApprove)
		r.Post("/{task_id}/reject", s.handleReject)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireInternalKey(s.deps.InternalKey))
		r.Post("/changes/confirm/{change_id}", s.handleConfirmChange)
		r.Route("/internal", func(r chi.Router) {
			r.Post("/optimizations", s.handleStartOptimization)
			r.Get("/sagas/{id}", s.handleGetSaga)
			r.Post("/interlinks/{project_id}", s.handleInterlinks)
			r.Get("/changes/pending/{project_id}", s.handlePendingChanges)
			r.Get("/changes/{project_id}/{change_id}", s.handleDeploymentStatus)
			r.Post("/projects/{id}/deploy-approved", s.handleDeployApproved)
		})
	})

	return r
}

type correlationKey struct{}

// correlation propagates X-Correlation-ID, generating one when the caller sent none.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": serviceName,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":   "not_ready",
				"database": err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "database": "ok"})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, deploy.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, store.ErrAlreadyProcessed),
		errors.Is(err, tasks.ErrInvalidTask),
		errors.Is(err, deploy.ErrInvalidChange):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("%s %s failed correlation=%s: %v", r.Method, r.URL.Path, CorrelationID(r.Context()), err)
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// queryProject parses the optional project_id filter.
func queryProject(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("project_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return f, nil
}
