package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seomaster/platform/management/internal/internalhttp"
	"github.com/seomaster/platform/management/internal/retry"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, v interface{}) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

var fastRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newHTTP(t *testing.T, service string, rt roundTripFunc) *internalhttp.Client {
	t.Helper()
	c, err := internalhttp.New(internalhttp.Config{
		Service:    service,
		BaseURL:    "http://" + service,
		APIKey:     "test-key",
		Timeout:    time.Second,
		Retry:      fastRetry,
		HTTPClient: &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestTriggerCrawlSendsHeadersAndPayload(t *testing.T) {
	projectID := uuid.New()
	audit := NewAuditClient(newHTTP(t, "audit", func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/internal/crawl" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		assert.Equal(t, "test-key", r.Header.Get(internalhttp.HeaderAPIKey))
		assert.Equal(t, "corr-1", r.Header.Get(internalhttp.HeaderCorrelationID))
		var payload struct {
			ProjectID string   `json:"project_id"`
			URLs      []string `json:"urls"`
			Options   struct {
				JSRender bool   `json:"js_render"`
				Priority string `json:"priority"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		assert.Equal(t, projectID.String(), payload.ProjectID)
		assert.Equal(t, []string{"https://example.com/a"}, payload.URLs)
		assert.True(t, payload.Options.JSRender)
		assert.Equal(t, "high", payload.Options.Priority)
		return jsonResponse(http.StatusOK, map[string]string{"crawl_id": "crawl-9"}), nil
	}))

	id, err := audit.TriggerCrawl(context.Background(), "corr-1", projectID, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "crawl-9", id)
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls int32
	semantic := NewSemanticClient(newHTTP(t, "semantic", func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return jsonResponse(http.StatusBadGateway, map[string]string{"detail": "upstream"}), nil
		}
		return jsonResponse(http.StatusOK, map[string]string{"task_id": "ff-1"}), nil
	}))

	id, err := semantic.TriggerScore(context.Background(), "c", ScoreFF, uuid.New(), "https://example.com", "crawl-1")
	require.NoError(t, err)
	assert.Equal(t, "ff-1", id)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	gateway := NewGatewayClient(newHTTP(t, "gateway", func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusUnprocessableEntity, map[string]string{"detail": "bad changes"}), nil
	}))

	_, err := gateway.QueueChange(context.Background(), "c", uuid.New(), "https://example.com", map[string]interface{}{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var statusErr *internalhttp.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Code)
	assert.False(t, retry.IsTransient(err))
}

func TestScoreStatusAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/eeat-score/task/t-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"completed","score":71.5}`))
	}))
	defer srv.Close()

	c, err := internalhttp.New(internalhttp.Config{Service: "semantic", BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	st, err := NewSemanticClient(c).ScoreStatus(context.Background(), "c", ScoreEEAT, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.Score)
	assert.Equal(t, 71.5, *st.Score)
}

func TestGatewayDeployAndPending(t *testing.T) {
	projectID := uuid.New()
	gateway := NewGatewayClient(newHTTP(t, "gateway", func(r *http.Request) (*http.Response, error) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/internal/deploy":
			var req DeployRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode deploy: %v", err)
			}
			assert.Equal(t, "wordpress_post", req.EntityType)
			assert.Equal(t, "new", req.Changes.After["title"])
			return jsonResponse(http.StatusOK, DeployResult{ChangeID: "chg-1", Status: "queued"}), nil
		case r.Method == http.MethodGet && r.URL.Path == "/changes/pending/"+projectID.String():
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			return jsonResponse(http.StatusOK, []map[string]interface{}{{"change_id": "chg-1", "status": "pending"}}), nil
		}
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		return nil, nil
	}))

	res, err := gateway.Deploy(context.Background(), "c", DeployRequest{
		ProjectID:  projectID,
		TaskID:     uuid.New(),
		ChangeType: "UPDATE_META",
		EntityID:   "https://example.com",
		EntityType: "wordpress_post",
		Changes:    Changes{Before: map[string]interface{}{"title": "old"}, After: map[string]interface{}{"title": "new"}},
		Priority:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, "chg-1", res.ChangeID)

	pending, err := gateway.PendingChanges(context.Background(), "c", projectID, 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "chg-1", pending[0]["change_id"])
}

func TestCrawlStatusKeepsDocument(t *testing.T) {
	audit := NewAuditClient(newHTTP(t, "audit", func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]interface{}{"status": "completed", "title": "Home", "h1": "Welcome"}), nil
	}))
	status, doc, err := audit.CrawlStatus(context.Background(), "c", "crawl-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "Home", doc["title"])
}
