package prediction

import (
	"context"
	"encoding/json"
	"strconv"
)

// Heuristic is the local fallback model: a subject is High risk when older
// than 65 or admitted more than twice.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Predict(_ context.Context, _ int64, f Features) (*Prediction, error) {
	age, _ := number(f["anchor_age"])
	admissions, _ := number(f["admission_count"])

	oldAge := age > 65
	frequent := admissions > 2

	p := &Prediction{RiskLevel: RiskLow, Probability: 0.25}
	if oldAge || frequent {
		p.RiskLevel = RiskHigh
		p.Probability = 0.75
	}

	p.TopFeatures = []FeatureImportance{
		{Feature: "anchor_age", Importance: weight(oldAge)},
		{Feature: "admission_count", Importance: weight(frequent)},
	}
	if p.TopFeatures[1].Importance > p.TopFeatures[0].Importance {
		p.TopFeatures[0], p.TopFeatures[1] = p.TopFeatures[1], p.TopFeatures[0]
	}
	return normalize(p, "heuristic")
}

func weight(triggered bool) float64 {
	if triggered {
		return 0.5
	}
	return 0
}

// number reads a numeric feature regardless of how the driver decoded it.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
