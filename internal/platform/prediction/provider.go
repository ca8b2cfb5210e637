// Package prediction defines the readmission prediction and narrative
// contracts and their implementations: a remote model service, a Gemini
// backed model, a local heuristic, and an ordered fallback chain.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoProvider is returned when no provider is configured or all of them
// declined the request.
var ErrNoProvider = errors.New("no prediction provider available")

const (
	RiskHigh = "High"
	RiskLow  = "Low"

	RecommendationHigh = "Consider implementing additional post-discharge support and follow-up for this patient."
	RecommendationLow  = "Standard follow-up procedures should be sufficient for this patient."
)

// Features is one row of model input keyed by column name.
type Features map[string]any

// FeatureImportance is a single contributing feature. The capitalized JSON
// names match what the dashboard charts read.
type FeatureImportance struct {
	Feature    string  `json:"Feature"`
	Importance float64 `json:"Importance"`
}

// Prediction is the outcome of a readmission model for one subject.
type Prediction struct {
	Prediction     int                 `json:"prediction"`
	Probability    float64             `json:"probability"`
	RiskLevel      string              `json:"risk_level"`
	Recommendation string              `json:"recommendation"`
	TopFeatures    []FeatureImportance `json:"top_features"`
	Source         string              `json:"source"`
}

// Provider produces a Prediction from a subject's features.
type Provider interface {
	Name() string
	Predict(ctx context.Context, subjectID int64, features Features) (*Prediction, error)
}

// normalize fills the derived fields so every provider returns the same shape.
// A probability outside [0,1] is rejected.
func normalize(p *Prediction, source string) (*Prediction, error) {
	if p.Probability < 0 || p.Probability > 1 {
		return nil, fmt.Errorf("probability %v out of range", p.Probability)
	}
	switch strings.ToLower(p.RiskLevel) {
	case "high":
		p.Prediction, p.RiskLevel = 1, RiskHigh
	case "low":
		p.Prediction, p.RiskLevel = 0, RiskLow
	case "":
		if p.Prediction == 1 || p.Probability >= 0.5 {
			p.Prediction, p.RiskLevel = 1, RiskHigh
		} else {
			p.Prediction, p.RiskLevel = 0, RiskLow
		}
	default:
		return nil, fmt.Errorf("unknown risk level %q", p.RiskLevel)
	}
	if p.Recommendation == "" {
		if p.Prediction == 1 {
			p.Recommendation = RecommendationHigh
		} else {
			p.Recommendation = RecommendationLow
		}
	}
	if p.TopFeatures == nil {
		p.TopFeatures = []FeatureImportance{}
	}
	p.Source = source
	return p, nil
}
