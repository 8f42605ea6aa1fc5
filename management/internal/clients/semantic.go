package clients

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/internalhttp"
)

// ScoreKind selects one of the two scoring pipelines of the semantic service.
type ScoreKind string

const (
	ScoreFF   ScoreKind = "ff-score"
	ScoreEEAT ScoreKind = "eeat-score"
)

type SemanticClient struct {
	http *internalhttp.Client
}

func NewSemanticClient(c *internalhttp.Client) *SemanticClient {
	return &SemanticClient{http: c}
}

func (c *SemanticClient) Configured() bool {
	return c != nil && c.http.Configured()
}

type scoreRequest struct {
	ProjectID uuid.UUID `json:"project_id"`
	URL       string    `json:"url,omitempty"`
	CrawlID   string    `json:"crawl_id,omitempty"`
}

// TriggerScore starts a score computation and returns its task id.
func (c *SemanticClient) TriggerScore(ctx context.Context, correlationID string, kind ScoreKind, projectID uuid.UUID, pageURL, crawlID string) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	path := fmt.Sprintf("/internal/%s/calculate", kind)
	if err := c.http.Post(ctx, path, correlationID, scoreRequest{ProjectID: projectID, URL: pageURL, CrawlID: crawlID}, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("semantic: task_id missing from %s response", kind)
	}
	return resp.TaskID, nil
}

type ScoreStatus struct {
	Status string   `json:"status"`
	Score  *float64 `json:"score"`
}

func (c *SemanticClient) ScoreStatus(ctx context.Context, correlationID string, kind ScoreKind, taskID string) (ScoreStatus, error) {
	var st ScoreStatus
	err := c.http.Get(ctx, fmt.Sprintf("/internal/%s/task/%s", kind, url.PathEscape(taskID)), correlationID, &st)
	return st, err
}

// RecalculateFFScore requests a project-wide FF-score refresh. crawlID and pageURL are optional.
func (c *SemanticClient) RecalculateFFScore(ctx context.Context, correlationID string, projectID uuid.UUID, crawlID, pageURL string) error {
	return c.http.Post(ctx, "/internal/ff-score/calculate", correlationID, scoreRequest{ProjectID: projectID, URL: pageURL, CrawlID: crawlID}, nil)
}

type ContentRequest struct {
	ProjectID uuid.UUID `json:"project_id"`
	URL       string    `json:"url"`
	CrawlID   string    `json:"crawl_id"`
	FFScore   *float64  `json:"ffscore"`
	EEATScore *float64  `json:"eeat_score"`
}

func (c *SemanticClient) TriggerContent(ctx context.Context, correlationID string, req ContentRequest) (string, error) {
	var resp struct {
		GenerationID string `json:"generation_id"`
	}
	if err := c.http.Post(ctx, "/internal/content/generate", correlationID, req, &resp); err != nil {
		return "", err
	}
	if resp.GenerationID == "" {
		return "", fmt.Errorf("semantic: generation_id missing from response")
	}
	return resp.GenerationID, nil
}

type GenerationStatus struct {
	Status  string                 `json:"status"`
	Content map[string]interface{} `json:"content"`
}

func (c *SemanticClient) ContentStatus(ctx context.Context, correlationID, generationID string) (GenerationStatus, error) {
	var st GenerationStatus
	err := c.http.Get(ctx, "/internal/content/generation/"+url.PathEscape(generationID), correlationID, &st)
	return st, err
}

// Raw posts an arbitrary payload with retries and decodes the JSON object response.
// The interlink generator uses it for the similarity, keyword and anchor endpoints.
func (c *SemanticClient) Raw(ctx context.Context, correlationID, path string, payload interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.http.Post(ctx, path, correlationID, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
