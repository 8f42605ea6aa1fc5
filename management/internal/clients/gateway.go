package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/internalhttp"
)

// GatewayClient talks to the client deployment gateway that applies changes on customer sites.
type GatewayClient struct {
	http *internalhttp.Client
}

func NewGatewayClient(c *internalhttp.Client) *GatewayClient {
	return &GatewayClient{http: c}
}

type queueRequest struct {
	ProjectID uuid.UUID              `json:"project_id"`
	URL       string                 `json:"url"`
	Changes   map[string]interface{} `json:"changes"`
}

// QueueChange enqueues generated content for a page and returns the change id.
func (c *GatewayClient) QueueChange(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string, changes map[string]interface{}) (string, error) {
	var resp struct {
		ChangeID string `json:"change_id"`
	}
	if err := c.http.Post(ctx, "/internal/changes/queue", correlationID, queueRequest{ProjectID: projectID, URL: pageURL, Changes: changes}, &resp); err != nil {
		return "", err
	}
	if resp.ChangeID == "" {
		return "", fmt.Errorf("gateway: change_id missing from response")
	}
	return resp.ChangeID, nil
}

func (c *GatewayClient) ChangeStatus(ctx context.Context, correlationID, changeID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.http.Get(ctx, "/internal/changes/"+url.PathEscape(changeID)+"/status", correlationID, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Rollback asks the gateway to revert a queued or applied change. Single attempt.
func (c *GatewayClient) Rollback(ctx context.Context, correlationID, changeID string) error {
	return c.http.Call(ctx, http.MethodPost, "/internal/changes/"+url.PathEscape(changeID)+"/rollback", correlationID, nil, nil)
}

type Changes struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
}

type DeployRequest struct {
	ProjectID  uuid.UUID              `json:"project_id"`
	TaskID     uuid.UUID              `json:"task_id"`
	ChangeType string                 `json:"change_type"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Changes    Changes                `json:"changes"`
	Priority   int                    `json:"priority"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type DeployResult struct {
	ChangeID string `json:"change_id"`
	Status   string `json:"status"`
}

// Deploy sends one deployment request. Callers own the retry policy.
func (c *GatewayClient) Deploy(ctx context.Context, correlationID string, req DeployRequest) (DeployResult, error) {
	var res DeployResult
	err := c.http.Call(ctx, http.MethodPost, "/internal/deploy", correlationID, req, &res)
	return res, err
}

func (c *GatewayClient) PendingChanges(ctx context.Context, correlationID string, projectID uuid.UUID, limit int) ([]map[string]interface{}, error) {
	path := fmt.Sprintf("/changes/pending/%s", projectID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []map[string]interface{}
	if err := c.http.Get(ctx, path, correlationID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type ConfirmRequest struct {
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

// Confirm reports the outcome of a change to the gateway's confirmation endpoint.
func (c *GatewayClient) Confirm(ctx context.Context, correlationID, changeID string, req ConfirmRequest) error {
	return c.http.Post(ctx, "/changes/confirm/"+url.PathEscape(changeID), correlationID, req, nil)
}
