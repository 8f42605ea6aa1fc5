package saga

import "github.com/seomaster/platform/management/internal/models"

// Each phase value carries only what the saga has produced by the end of that
// phase, embedding the previous one. A step can only read fields of the phase it
// receives, so no step reads an output before it exists.

type crawled struct {
	CrawlID string
	Result  map[string]interface{}
}

type scored struct {
	crawled
	FFTaskID   string
	EEATTaskID string
	FFScore    *float64
	EEATScore  *float64
}

type generated struct {
	scored
	GenerationID string
	Content      map[string]interface{}
}

type reviewed struct {
	generated
	ApprovalID string
}

type applied struct {
	reviewed
	ChangeID string
}

func (c crawled) fill(cp *models.SagaCheckpoint) {
	cp.CrawlID = c.CrawlID
	cp.CrawlResult = c.Result
}

func (s scored) fill(cp *models.SagaCheckpoint) {
	s.crawled.fill(cp)
	cp.FFScoreTaskID = s.FFTaskID
	cp.EEATTaskID = s.EEATTaskID
	cp.FFScore = s.FFScore
	cp.EEATScore = s.EEATScore
}

func (g generated) fill(cp *models.SagaCheckpoint) {
	g.scored.fill(cp)
	cp.GenerationID = g.GenerationID
	cp.Content = g.Content
}

func (r reviewed) fill(cp *models.SagaCheckpoint) {
	r.generated.fill(cp)
	cp.ApprovalID = r.ApprovalID
}

func (a applied) fill(cp *models.SagaCheckpoint) {
	a.reviewed.fill(cp)
	cp.ChangeID = a.ChangeID
}

// checkpointer is implemented by every phase value.
type checkpointer interface {
	fill(cp *models.SagaCheckpoint)
}

// diff builds the review diff: the crawled head fields against the generated content.
func (g generated) diff() models.DiffData {
	before := map[string]interface{}{}
	for _, k := range []string{"title", "description", "h1", "schema_org"} {
		before[k] = g.Result[k]
	}
	after := make(map[string]interface{}, len(g.Content))
	for k, v := range g.Content {
		after[k] = v
	}
	return models.DiffData{Before: before, After: after}
}
