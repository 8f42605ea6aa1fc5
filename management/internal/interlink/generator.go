// Package interlink proposes internal links between pages of a project and turns
// them into ADD_INTERNAL_LINKS tasks.
package interlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/seomaster/platform/management/internal/canonical"
	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/models"
	"github.com/seomaster/platform/management/internal/tasks"
)

const (
	pathSimilarity = "/internal/semantic/similarity"
	pathKeywords   = "/internal/semantic/extract-keywords"
	pathAnchor     = "/internal/content/generate-anchor"

	defaultImportance = 0.5
	positionBody      = "body"
)

type Auditor interface {
	PageContent(ctx context.Context, correlationID string, projectID uuid.UUID, pageURL string) (clients.Page, error)
	ProjectPages(ctx context.Context, correlationID string, projectID uuid.UUID) ([]clients.Page, error)
}

type Semantic interface {
	Raw(ctx context.Context, correlationID, path string, payload interface{}) (map[string]interface{}, error)
}

type ProjectStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (models.Project, error)
}

type TaskCreator interface {
	Create(ctx context.Context, in tasks.NewTask, correlationID string) (models.Task, error)
}

type Config struct {
	MinRelevance    float64
	MaxLinksPerPage int
	MinAnchorLength int
	MaxAnchorLength int
	MinContentWords int
	CacheTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinRelevance:    0.6,
		MaxLinksPerPage: 10,
		MinAnchorLength: 15,
		MaxAnchorLength: 60,
		MinContentWords: 100,
		CacheTTL:        7 * 24 * time.Hour,
	}
}

// Link is one proposed internal link.
type Link struct {
	SourceURL      string  `json:"source_url"`
	TargetURL      string  `json:"target_url"`
	AnchorText     string  `json:"anchor_text"`
	Context        string  `json:"context"`
	RelevanceScore float64 `json:"relevance_score"`
	Position       string  `json:"position"`
	ImpactScore    float64 `json:"impact_score"`
}

type ProjectResult struct {
	ProjectID       uuid.UUID   `json:"project_id"`
	TotalInterlinks int         `json:"total_interlinks"`
	PagesProcessed  int         `json:"pages_processed"`
	PagesFailed     int         `json:"pages_failed"`
	TasksCreated    int         `json:"tasks_created"`
	TaskIDs         []uuid.UUID `json:"task_ids"`
	CorrelationID   string      `json:"correlation_id"`
	CompletedAt     time.Time   `json:"completed_at"`
}

type Dependencies struct {
	Audit    Auditor
	Semantic Semantic
	Projects ProjectStore
	Tasks    TaskCreator
	Cache    Cache
	Metrics  *Metrics
	Logger   *log.Logger
}

type Generator struct {
	cfg      Config
	audit    Auditor
	semantic Semantic
	projects ProjectStore
	tasks    TaskCreator
	cache    Cache
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
}

func NewGenerator(cfg Config, deps Dependencies) *Generator {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "[interlink] ", log.LstdFlags)
	}
	return &Generator{
		cfg:      cfg,
		audit:    deps.Audit,
		semantic: deps.Semantic,
		projects: deps.Projects,
		tasks:    deps.Tasks,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// linkGraph records the links proposed during one run so that a reverse link is
// never proposed for a pair already linked.
type linkGraph map[string]map[string]struct{}

func (g linkGraph) add(source, target string) {
	if g[source] == nil {
		g[source] = make(map[string]struct{})
	}
	g[source][target] = struct{}{}
}

func (g linkGraph) circular(source, target string) bool {
	_, ok := g[target][source]
	return ok
}

// GenerateForPage proposes links from one page to other pages of its project.
func (g *Generator) GenerateForPage(ctx context.Context, projectID uuid.UUID, sourceURL, correlationID string) ([]Link, error) {
	return g.generateForPage(ctx, linkGraph{}, projectID, sourceURL, correlationID)
}

type candidate struct {
	page      clients.Page
	relevance float64
}

func (g *Generator) generateForPage(ctx context.Context, graph linkGraph, projectID uuid.UUID, sourceURL, correlationID string) ([]Link, error) {
	links, err := g.pageLinks(ctx, graph, projectID, sourceURL, correlationID)
	if err != nil {
		g.metrics.Errors.WithLabelValues(errPageProcessing).Inc()
		g.logger.Printf("interlinks for %s failed: %v correlation=%s", sourceURL, err, correlationID)
		return nil, err
	}
	return links, nil
}

func (g *Generator) pageLinks(ctx context.Context, graph linkGraph, projectID uuid.UUID, sourceURL, correlationID string) ([]Link, error) {
	source, err := g.audit.PageContent(ctx, correlationID, projectID, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("load page content: %w", err)
	}
	if source.URL == "" {
		source.URL = sourceURL
	}
	if words := len(strings.Fields(source.Content)); words < g.cfg.MinContentWords {
		g.logger.Printf("page %s has insufficient content (%d words) correlation=%s", sourceURL, words, correlationID)
		return nil, nil
	}

	pages, err := g.audit.ProjectPages(ctx, correlationID, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project pages: %w", err)
	}
	relevant := g.relevantPages(ctx, graph, source, pages, correlationID)
	if len(relevant) == 0 {
		g.logger.Printf("no relevant pages for %s", sourceURL)
		return nil, nil
	}

	sourceKeywords, err := g.keywords(ctx, source.Content, 20, correlationID)
	if err != nil {
		return nil, fmt.Errorf("extract source keywords: %w", err)
	}

	importance := defaultImportance
	if source.Importance != nil {
		importance = *source.Importance
	}
	var links []Link
	for _, c := range relevant {
		link, err := g.buildLink(ctx, source, c, sourceKeywords, importance, correlationID)
		if err != nil {
			g.metrics.Errors.WithLabelValues(errLinkGeneration).Inc()
			g.logger.Printf("interlink %s -> %s failed: %v correlation=%s", sourceURL, c.page.URL, err, correlationID)
			continue
		}
		links = append(links, link)
		graph.add(source.URL, c.page.URL)
		g.metrics.Generated.WithLabelValues(projectID.String()).Inc()
	}
	g.logger.Printf("generated %d interlinks for %s correlation=%s", len(links), sourceURL, correlationID)
	return links, nil
}

// relevantPages keeps same-host candidates at or above the relevance floor, best
// first, capped at MaxLinksPerPage.
func (g *Generator) relevantPages(ctx context.Context, graph linkGraph, source clients.Page, pages []clients.Page, correlationID string) []candidate {
	var out []candidate
	for _, p := range pages {
		if p.URL == source.URL || !sameHost(source.URL, p.URL) {
			continue
		}
		if graph.circular(source.URL, p.URL) {
			continue
		}
		relevance := g.relevance(ctx, source, p, correlationID)
		if relevance >= g.cfg.MinRelevance {
			out = append(out, candidate{page: p, relevance: relevance})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].relevance > out[j].relevance })
	if len(out) > g.cfg.MaxLinksPerPage {
		out = out[:g.cfg.MaxLinksPerPage]
	}
	return out
}

func (g *Generator) relevance(ctx context.Context, source, target clients.Page, correlationID string) float64 {
	sourceText := strings.TrimSpace(strings.Join([]string{source.Title, source.Description, source.H1}, " "))
	targetText := strings.TrimSpace(strings.Join([]string{target.Title, target.Description, target.H1}, " "))
	if sourceText == "" || targetText == "" {
		return 0
	}
	res, err := g.call(ctx, pathSimilarity, map[string]interface{}{
		"text1": truncate(sourceText, 1000),
		"text2": truncate(targetText, 1000),
	}, correlationID)
	if err != nil {
		g.metrics.Errors.WithLabelValues(errSimilarity).Inc()
		g.logger.Printf("similarity %s -> %s failed: %v correlation=%s", source.URL, target.URL, err, correlationID)
		return 0
	}
	score, _ := res["similarity_score"].(float64)
	return score
}

func (g *Generator) keywords(ctx context.Context, text string, limit int, correlationID string) ([]string, error) {
	res, err := g.call(ctx, pathKeywords, map[string]interface{}{
		"text":         truncate(text, 2000),
		"max_keywords": limit,
	}, correlationID)
	if err != nil {
		return nil, err
	}
	return stringSlice(res["keywords"]), nil
}

func (g *Generator) anchor(ctx context.Context, contextText string, target clients.Page, keywords []string, correlationID string) (string, error) {
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	res, err := g.call(ctx, pathAnchor, map[string]interface{}{
		"source_context":     truncate(contextText, 500),
		"target_title":       truncate(target.Title, 200),
		"target_description": truncate(target.Description, 300),
		"keywords":           keywords,
	}, correlationID)
	if err != nil {
		return "", err
	}
	text, _ := res["anchor_text"].(string)
	return text, nil
}

func (g *Generator) buildLink(ctx context.Context, source clients.Page, c candidate, sourceKeywords []string, importance float64, correlationID string) (Link, error) {
	targetKeywords, err := g.keywords(ctx, c.page.Content, 10, correlationID)
	if err != nil {
		return Link{}, fmt.Errorf("extract target keywords: %w", err)
	}
	common := intersect(targetKeywords, sourceKeywords)
	if len(common) == 0 && len(targetKeywords) > 0 {
		common = targetKeywords[:min(3, len(targetKeywords))]
	}

	contextText := truncate(source.Content, 500)
	if sentences := sentencesWithKeywords(source.Content, common, 3); len(sentences) > 0 {
		contextText = truncate(strings.Join(sentences, " "), 500)
	}

	text, err := g.anchor(ctx, contextText, c.page, common, correlationID)
	if err != nil {
		return Link{}, fmt.Errorf("generate anchor: %w", err)
	}
	text = sanitizeAnchor(text, g.cfg.MaxAnchorLength)
	if utf8.RuneCountInString(text) < g.cfg.MinAnchorLength {
		text = truncate(c.page.Title, g.cfg.MaxAnchorLength)
	}

	return Link{
		SourceURL:      source.URL,
		TargetURL:      c.page.URL,
		AnchorText:     text,
		Context:        truncate(contextText, 200),
		RelevanceScore: c.relevance,
		Position:       positionBody,
		ImpactScore:    impactScore(c.relevance, importance, len(common)),
	}, nil
}

// call posts to the semantic service, serving repeated requests from the cache.
// Cache failures degrade to a direct call.
func (g *Generator) call(ctx context.Context, path string, payload map[string]interface{}, correlationID string) (map[string]interface{}, error) {
	var key string
	if g.cache != nil {
		digest, err := canonical.Digest(payload)
		if err != nil {
			return nil, fmt.Errorf("cache key: %w", err)
		}
		key = "interlink:semantic:" + path + ":" + digest
		raw, ok, err := g.cache.Get(ctx, key)
		if err != nil {
			g.metrics.Errors.WithLabelValues(errCache).Inc()
			g.logger.Printf("cache get %s: %v", key, err)
		}
		if ok {
			var out map[string]interface{}
			if err := json.Unmarshal(raw, &out); err == nil {
				g.metrics.SemanticCalls.WithLabelValues(path, "hit").Inc()
				return out, nil
			}
		}
	}

	g.metrics.SemanticCalls.WithLabelValues(path, "miss").Inc()
	out, err := g.semantic.Raw(ctx, correlationID, path, payload)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if raw, err := json.Marshal(out); err == nil {
			if err := g.cache.Set(ctx, key, raw, g.cfg.CacheTTL); err != nil {
				g.metrics.Errors.WithLabelValues(errCache).Inc()
				g.logger.Printf("cache set %s: %v", key, err)
			}
		}
	}
	return out, nil
}

// GenerateForProject runs the page step over the project's pages (the first
// maxPages when maxPages > 0) and creates one ADD_INTERNAL_LINKS task per source page.
func (g *Generator) GenerateForProject(ctx context.Context, projectID uuid.UUID, maxPages int, correlationID string) (ProjectResult, error) {
	start := time.Now()
	defer func() { g.metrics.Duration.Observe(time.Since(start).Seconds()) }()

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if _, err := g.projects.GetProject(ctx, projectID); err != nil {
		return ProjectResult{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	pages, err := g.audit.ProjectPages(ctx, correlationID, projectID)
	if err != nil {
		return ProjectResult{}, fmt.Errorf("load project pages: %w", err)
	}
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	g.logger.Printf("processing %d pages for project %s correlation=%s", len(pages), projectID, correlationID)

	res := ProjectResult{ProjectID: projectID, CorrelationID: correlationID, TaskIDs: []uuid.UUID{}}
	graph := linkGraph{}
	var all []Link
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		links, err := g.generateForPage(ctx, graph, projectID, p.URL, correlationID)
		if err != nil {
			res.PagesFailed++
			continue
		}
		res.PagesProcessed++
		all = append(all, links...)
	}
	res.TotalInterlinks = len(all)

	for _, group := range groupBySource(all) {
		task, err := g.tasks.Create(ctx, tasks.NewTask{
			ProjectID: projectID,
			TaskType:  models.TaskAddInternalLinks,
			URL:       group[0].SourceURL,
			Metadata:  g.taskMetadata(group, correlationID),
		}, correlationID)
		if err != nil {
			g.metrics.Errors.WithLabelValues(errTaskCreation).Inc()
			return res, fmt.Errorf("create interlink task for %s: %w", group[0].SourceURL, err)
		}
		res.TaskIDs = append(res.TaskIDs, task.ID)
	}
	res.TasksCreated = len(res.TaskIDs)
	res.CompletedAt = g.now()
	g.logger.Printf("project %s: %d interlinks, %d tasks, %d pages failed correlation=%s",
		projectID, res.TotalInterlinks, res.TasksCreated, res.PagesFailed, correlationID)
	return res, nil
}

func (g *Generator) taskMetadata(links []Link, correlationID string) models.Metadata {
	items := make([]interface{}, 0, len(links))
	var total float64
	for _, l := range links {
		total += l.ImpactScore
		items = append(items, map[string]interface{}{
			"target_url":      l.TargetURL,
			"anchor_text":     l.AnchorText,
			"context":         l.Context,
			"relevance_score": l.RelevanceScore,
			"position":        l.Position,
			"impact_score":    l.ImpactScore,
		})
	}
	return models.Metadata{
		"interlinks":           items,
		"total_links":          len(links),
		"average_impact_score": round3(total / float64(len(links))),
		"correlation_id":       correlationID,
		"created_at":           g.now().Format(time.RFC3339Nano),
	}
}

// groupBySource keeps the first-seen order of source pages.
func groupBySource(links []Link) [][]Link {
	index := make(map[string]int)
	var groups [][]Link
	for _, l := range links {
		i, ok := index[l.SourceURL]
		if !ok {
			i = len(groups)
			index[l.SourceURL] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], l)
	}
	return groups
}

func impactScore(relevance, importance float64, overlap int) float64 {
	keywordScore := math.Min(float64(overlap)/10, 1)
	return round3(relevance*0.5 + importance*0.3 + keywordScore*0.2)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+`)
	whitespace    = regexp.MustCompile(`\s+`)
	anchorStrip   = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
)

// sentencesWithKeywords returns up to limit sentences longer than 20 characters,
// ordered by how many keywords each contains. Sentences with none are dropped.
func sentencesWithKeywords(content string, keywords []string, limit int) []string {
	type scored struct {
		text  string
		score int
	}
	var out []scored
	for _, s := range sentenceSplit.Split(content, -1) {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) <= 20 {
			continue
		}
		lower := strings.ToLower(s)
		n := 0
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				n++
			}
		}
		if n > 0 {
			out = append(out, scored{text: s, score: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > limit {
		out = out[:limit]
	}
	texts := make([]string, len(out))
	for i, s := range out {
		texts[i] = s.text
	}
	return texts
}

// sanitizeAnchor collapses whitespace, strips punctuation other than hyphens and
// cuts overlong text back to a word boundary.
func sanitizeAnchor(text string, maxLen int) string {
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	text = anchorStrip.ReplaceAllString(text, "")
	if utf8.RuneCountInString(text) > maxLen {
		text = truncate(text, maxLen)
		if i := strings.LastIndex(text, " "); i > 0 {
			text = text[:i]
		}
	}
	return text
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host == ub.Host
}

// intersect returns the items of a that also appear in b, in a's order.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, s := range a {
		if _, ok := set[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func stringSlice(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
