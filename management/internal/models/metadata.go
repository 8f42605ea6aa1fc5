package models

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// Metadata is the open-ended JSON object attached to tasks, projects and approvals.
type Metadata map[string]interface{}

func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with patch applied on top.
func (m Metadata) Merge(patch map[string]interface{}) Metadata {
	out := m.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Float reads a numeric value, accepting JSON numbers and numeric strings.
func (m Metadata) Float(key string) (float64, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (m Metadata) FloatPtr(key string) *float64 {
	if v, ok := m.Float(key); ok {
		return &v
	}
	return nil
}

func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m Metadata) Map(key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// ScoreSnapshot holds the current and expected composite scores a task was created with.
type ScoreSnapshot struct {
	CurrentFFScore  *float64
	ExpectedFFScore *float64
	CurrentEEAT     *float64
	ExpectedEEAT    *float64
}

func (t Task) Scores() ScoreSnapshot {
	return ScoreSnapshot{
		CurrentFFScore:  t.Metadata.FloatPtr("current_ffscore"),
		ExpectedFFScore: t.Metadata.FloatPtr("expected_ffscore"),
		CurrentEEAT:     t.Metadata.FloatPtr("current_eeat"),
		ExpectedEEAT:    t.Metadata.FloatPtr("expected_eeat"),
	}
}

// CustomEffort returns the effort level override (1..5) carried in metadata.
func (t Task) CustomEffort() (int, bool) {
	v, ok := t.Metadata.Float("custom_effort")
	if !ok {
		return 0, false
	}
	level := int(v)
	if level < 1 || level > 5 {
		return 0, false
	}
	return level, true
}

// SagaID returns the saga the task was last bound to.
func (t Task) SagaID() (uuid.UUID, bool) {
	id, err := uuid.Parse(t.Metadata.String("saga_id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// InSaga reports whether a saga is working the task right now. A saga keeps its
// task IN_PROGRESS until the review is decided.
func (t Task) InSaga() bool {
	_, ok := t.SagaID()
	return ok && t.Status == TaskInProgress
}
