// Package clients holds the typed clients for the audit, semantic and gateway services.
package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/internalhttp"
)

// Job statuses reported by the asynchronous endpoints of the downstream services.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusApplied   = "applied"
)

type AuditClient struct {
	http *internalhttp.Client
}

func NewAuditClient(c *internalhttp.Client) *AuditClient {
	return &AuditClient{http: c}
}

type crawlRequest struct {
	ProjectID uuid.UUID    `json:"project_id"`
	URLs      []string     `json:"urls"`
	Options   crawlOptions `json:"options"`
}

type crawlOptions struct {
	JSRender bool   `json:"js_render"`
	Priority string `json:"priority"`
}

// TriggerCrawl starts a high-priority, JS-rendered crawl of a single URL.
func (c *AuditClient) TriggerCrawl(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string) (string, error) {
	var resp struct {
		CrawlID string `json:"crawl_id"`
	}
	req := crawlRequest{
		ProjectID: projectID,
		URLs:      []string{pageURL},
		Options:   crawlOptions{JSRender: true, Priority: "high"},
	}
	if err := c.http.Post(ctx, "/internal/crawl", correlationID, req, &resp); err != nil {
		return "", err
	}
	if resp.CrawlID == "" {
		return "", fmt.Errorf("audit: crawl_id missing from response")
	}
	return resp.CrawlID, nil
}

// CrawlStatus returns the status and the full crawl document.
func (c *AuditClient) CrawlStatus(ctx context.Context, correlationID, crawlID string) (string, map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := c.http.Get(ctx, "/internal/crawl/"+url.PathEscape(crawlID), correlationID, &doc); err != nil {
		return "", nil, err
	}
	status, _ := doc["status"].(string)
	return status, doc, nil
}

// Page is a crawled page as the audit service returns it. Importance is nil when
// the audit service has not ranked the page.
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	H1          string   `json:"h1"`
	Content     string   `json:"content"`
	Importance  *float64 `json:"importance,omitempty"`
}

func (c *AuditClient) PageContent(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string) (Page, error) {
	q := url.Values{}
	q.Set("project_id", projectID.String())
	q.Set("url", pageURL)
	var page Page
	err := c.http.CallWithRetry(ctx, http.MethodGet, "/internal/page/content?"+q.Encode(), correlationID, nil, &page)
	return page, err
}

func (c *AuditClient) ProjectPages(ctx context.Context, correlationID string, projectID uuid.UUID) ([]Page, error) {
	var resp struct {
		Pages []Page `json:"pages"`
	}
	path := fmt.Sprintf("/internal/project/%s/pages", projectID)
	if err := c.http.CallWithRetry(ctx, http.MethodGet, path, correlationID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pages, nil
}
