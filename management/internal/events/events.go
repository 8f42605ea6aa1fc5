// Package events publishes the management service's domain events and consumes the
// events emitted by the audit and semantic services.
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/models"
)

// Routing keys double as Kafka topics.
const (
	TopicTaskCreated           = "management.task.created"
	TopicHITLApproved          = "hitl.approved"
	TopicHITLApprovalRequired  = "management.hitl.approval_required"
	TopicOptimizationCompleted = "management.optimization.completed"
	TopicOptimizationFailed    = "management.optimization.failed"

	TopicCrawlCompleted      = "audit.crawl.completed"
	TopicFFScoreRecalculated = "semantic.ffscore.recalculated"
)

const (
	NameTaskCreated           = "TaskCreated"
	NameHITLApproved          = "HITLApproved"
	NameHITLApprovalRequired  = "HITLApprovalRequired"
	NameOptimizationCompleted = "OptimizationCompleted"
	NameOptimizationFailed    = "OptimizationFailed"
)

// Envelope is the JSON document written to the bus.
type Envelope struct {
	EventID    string      `json:"event_id"`
	EventName  string      `json:"event_name"`
	ProducedAt time.Time   `json:"produced_at"`
	Payload    interface{} `json:"payload"`
}

// Event is an envelope addressed to a topic. Key selects the partition; the project
// id is used so that a project's events stay ordered.
type Event struct {
	Topic         string
	Key           string
	CorrelationID string
	Envelope      Envelope
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEvent(topic, name string, projectID uuid.UUID, correlationID string, payload interface{}) Event {
	return Event{
		Topic:         topic,
		Key:           projectID.String(),
		CorrelationID: correlationID,
		Envelope: Envelope{
			EventID:    uuid.NewString(),
			EventName:  name,
			ProducedAt: time.Now().UTC(),
			Payload:    payload,
		},
	}
}

type TaskCreatedPayload struct {
	TaskID        uuid.UUID              `json:"task_id"`
	ProjectID     uuid.UUID              `json:"project_id"`
	TaskType      models.TaskType        `json:"task_type"`
	URL           string                 `json:"url"`
	Metadata      map[string]interface{} `json:"metadata"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func TaskCreated(t models.Task, correlationID string) Event {
	meta := map[string]interface{}(t.Metadata)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return newEvent(TopicTaskCreated, NameTaskCreated, t.ProjectID, correlationID, TaskCreatedPayload{
		TaskID:        t.ID,
		ProjectID:     t.ProjectID,
		TaskType:      t.TaskType,
		URL:           t.URL,
		Metadata:      meta,
		CorrelationID: correlationID,
	})
}

type HITLApprovedPayload struct {
	TaskID        uuid.UUID `json:"task_id"`
	ProjectID     uuid.UUID `json:"project_id"`
	ApprovedBy    string    `json:"approved_by"`
	ApprovedAt    time.Time `json:"approved_at"`
	AutoDeployed  bool      `json:"auto_deployed"`
	Notes         string    `json:"notes,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func HITLApproved(p HITLApprovedPayload) Event {
	return newEvent(TopicHITLApproved, NameHITLApproved, p.ProjectID, p.CorrelationID, p)
}

type HITLApprovalRequiredPayload struct {
	DecisionID    uuid.UUID `json:"decision_id"`
	TaskID        uuid.UUID `json:"task_id"`
	ProjectID     uuid.UUID `json:"project_id"`
	URL           string    `json:"url"`
	ExpiresAt     time.Time `json:"expires_at"`
	CorrelationID string    `json:"correlation_id"`
}

func HITLApprovalRequired(p HITLApprovalRequiredPayload) Event {
	return newEvent(TopicHITLApprovalRequired, NameHITLApprovalRequired, p.ProjectID, p.CorrelationID, p)
}

// OptimizationPayload is shared by the completed and failed events.
type OptimizationPayload struct {
	SagaID        uuid.UUID  `json:"saga_id"`
	ProjectID     uuid.UUID  `json:"project_id"`
	URL           string     `json:"url"`
	TaskID        *uuid.UUID `json:"task_id,omitempty"`
	Success       bool       `json:"success"`
	Reason        string     `json:"reason,omitempty"`
	FFScore       *float64   `json:"ffscore,omitempty"`
	EEATScore     *float64   `json:"eeat_score,omitempty"`
	CorrelationID string     `json:"correlation_id"`
}

func OptimizationCompleted(p OptimizationPayload) Event {
	p.Success = true
	return newEvent(TopicOptimizationCompleted, NameOptimizationCompleted, p.ProjectID, p.CorrelationID, p)
}

func OptimizationFailed(p OptimizationPayload) Event {
	p.Success = false
	return newEvent(TopicOptimizationFailed, NameOptimizationFailed, p.ProjectID, p.CorrelationID, p)
}

// Emit publishes ev and logs a failure instead of returning it. Domain events are
// best effort: a broken bus never fails the operation that produced them.
func Emit(ctx context.Context, pub Publisher, logger *log.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil && logger != nil {
		logger.Printf("publish %s failed event_id=%s correlation=%s: %v",
			ev.Envelope.EventName, ev.Envelope.EventID, ev.CorrelationID, err)
	}
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct {
	Logger *log.Logger
}

func (p NopPublisher) Publish(ctx context.Context, ev Event) error {
	if p.Logger != nil {
		p.Logger.Printf("bus disabled, dropping %s event_id=%s", ev.Envelope.EventName, ev.Envelope.EventID)
	}
	return nil
}

// MemoryPublisher records published events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Envelope.EventName)
	}
	return out
}
