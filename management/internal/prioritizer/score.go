// Package prioritizer ranks optimization tasks by expected impact, urgency and effort.
package prioritizer

import (
	"math"

	"github.com/seomaster/platform/management/internal/models"
)

const (
	ffScoreWeight = 0.7
	eeatWeight    = 0.3
	neutralScore  = 50.0

	// Auto-approve bounds. Both comparisons are strict.
	autoApproveMaxImpact = 0.3
	autoApproveMaxEffort = 0.4

	defaultEffortLevel = 3
	maxEffortLevel     = 5
)

// Urgency buckets over the current combined score. A score below the bound maps to the value.
var urgencyBuckets = []struct {
	below float64
	value float64
	level string
}{
	{30, 1.0, UrgencyCritical},
	{50, 0.8, UrgencyHigh},
	{70, 0.6, UrgencyMedium},
	{85, 0.4, UrgencyLow},
}

const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyMedium   = "medium"
	UrgencyLow      = "low"

	lowestUrgency = 0.2
)

var effortLevels = map[models.TaskType]int{
	models.TaskUpdateMeta:       1,
	models.TaskUpdateSchema:     2,
	models.TaskAddInternalLinks: 2,
	models.TaskFixBrokenLinks:   2,
	models.TaskOptimizeImages:   3,
	models.TaskUpdateContent:    5,
}

var lowRiskTypes = map[models.TaskType]bool{
	models.TaskUpdateMeta:       true,
	models.TaskAddInternalLinks: true,
}

// CombinedScore blends the FF-score and E-E-A-T score 70/30, renormalising over
// whichever inputs are present. With neither present it returns 50.
func CombinedScore(ffscore, eeat *float64) float64 {
	switch {
	case ffscore != nil && eeat != nil:
		return (*ffscore*ffScoreWeight + *eeat*eeatWeight) / (ffScoreWeight + eeatWeight)
	case ffscore != nil:
		return *ffscore
	case eeat != nil:
		return *eeat
	}
	return neutralScore
}

// Impact is the expected improvement of the combined score normalised to [0,1].
func Impact(s models.ScoreSnapshot) float64 {
	current := CombinedScore(s.CurrentFFScore, s.CurrentEEAT)
	expected := CombinedScore(s.ExpectedFFScore, s.ExpectedEEAT)
	return clamp((expected - current) / 100)
}

// Urgency maps the current combined score onto {1.0, 0.8, 0.6, 0.4, 0.2}.
func Urgency(s models.ScoreSnapshot) float64 {
	combined := CombinedScore(s.CurrentFFScore, s.CurrentEEAT)
	for _, b := range urgencyBuckets {
		if combined < b.below {
			return b.value
		}
	}
	return lowestUrgency
}

// UrgencyLevel names the urgency bucket of the current combined score. Scores of
// 70 and above are low.
func UrgencyLevel(s models.ScoreSnapshot) string {
	combined := CombinedScore(s.CurrentFFScore, s.CurrentEEAT)
	for _, b := range urgencyBuckets {
		if combined < b.below {
			return b.level
		}
	}
	return UrgencyLow
}

// EffortLevel returns the 1..5 effort level of a task, honouring metadata.custom_effort.
func EffortLevel(task models.Task) int {
	if level, ok := task.CustomEffort(); ok {
		return level
	}
	if level, ok := effortLevels[task.TaskType]; ok {
		return level
	}
	return defaultEffortLevel
}

// Effort is the effort level normalised to (0,1].
func Effort(task models.Task) float64 {
	return float64(EffortLevel(task)) / maxEffortLevel
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
