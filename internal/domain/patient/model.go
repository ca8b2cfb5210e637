package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/readmission/dashboard/internal/platform/prediction"
)

// ErrNotFound means the subject has no data for the requested operation.
var ErrNotFound = errors.New("patient data not found")

// RiskPrediction is one stored model outcome.
type RiskPrediction struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SubjectID      int64          `gorm:"column:subject_id;not null;index" json:"subject_id"`
	Probability    float64        `gorm:"column:probability" json:"probability"`
	Prediction     int            `gorm:"column:prediction" json:"prediction"`
	RiskLevel      string         `gorm:"column:risk_level" json:"risk_level"`
	Recommendation string         `gorm:"column:recommendation" json:"recommendation"`
	TopFeatures    datatypes.JSON `gorm:"column:top_features" json:"top_features"`
	Source         string         `gorm:"column:source" json:"source"`
	Timestamp      time.Time      `gorm:"column:timestamp;not null" json:"timestamp"`
}

func (RiskPrediction) TableName() string { return "patient_analysis.risk_prediction" }

func newRiskPrediction(subjectID int64, p *prediction.Prediction, at time.Time) (*RiskPrediction, error) {
	features, err := json.Marshal(p.TopFeatures)
	if err != nil {
		return nil, fmt.Errorf("encode top features: %w", err)
	}
	return &RiskPrediction{
		SubjectID:      subjectID,
		Probability:    p.Probability,
		Prediction:     p.Prediction,
		RiskLevel:      p.RiskLevel,
		Recommendation: p.Recommendation,
		TopFeatures:    datatypes.JSON(features),
		Source:         p.Source,
		Timestamp:      at,
	}, nil
}

// LLMAnalysis is one stored narrative. The response holds the parsed
// summary, care_plan and additional_fields sections.
type LLMAnalysis struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SubjectID   int64          `gorm:"column:subject_id;not null;index" json:"subject_id"`
	LLMResponse datatypes.JSON `gorm:"column:llm_response" json:"llm_response"`
	Timestamp   time.Time      `gorm:"column:timestamp;not null" json:"timestamp"`
}

func (LLMAnalysis) TableName() string { return "patient_analysis.llm_analysis" }

func newLLMAnalysis(subjectID int64, n *prediction.Narrative, at time.Time) (*LLMAnalysis, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode narrative: %w", err)
	}
	return &LLMAnalysis{SubjectID: subjectID, LLMResponse: datatypes.JSON(raw), Timestamp: at}, nil
}

// Narrative decodes the stored response. An empty response decodes to an
// empty narrative.
func (a LLMAnalysis) Narrative() (prediction.Narrative, error) {
	var n prediction.Narrative
	if len(a.LLMResponse) == 0 {
		return n, nil
	}
	if err := json.Unmarshal(a.LLMResponse, &n); err != nil {
		return n, fmt.Errorf("decode llm response %d: %w", a.ID, err)
	}
	return n, nil
}

// VitalSample is one charted row of vital_signs.
type VitalSample struct {
	ChartTime   time.Time `json:"charttime"`
	Temperature *float64  `json:"temperature"`
	HeartRate   *float64  `json:"heartrate"`
	RespRate    *float64  `json:"resprate"`
	O2Sat       *float64  `json:"o2sat"`
	SBP         *float64  `json:"sbp"`
	DBP         *float64  `json:"dbp"`
}

// VisualizationData is the vital-signs series laid out for charting: one
// label per chart time and one aligned column per measurement.
type VisualizationData struct {
	Labels      []string   `json:"labels"`
	Temperature []*float64 `json:"temperature"`
	HeartRate   []*float64 `json:"heartrate"`
	RespRate    []*float64 `json:"resprate"`
	O2Sat       []*float64 `json:"o2sat"`
	SBP         []*float64 `json:"sbp"`
	DBP         []*float64 `json:"dbp"`
}

func newVisualizationData(samples []VitalSample) VisualizationData {
	v := VisualizationData{
		Labels:      make([]string, 0, len(samples)),
		Temperature: make([]*float64, 0, len(samples)),
		HeartRate:   make([]*float64, 0, len(samples)),
		RespRate:    make([]*float64, 0, len(samples)),
		O2Sat:       make([]*float64, 0, len(samples)),
		SBP:         make([]*float64, 0, len(samples)),
		DBP:         make([]*float64, 0, len(samples)),
	}
	for _, s := range samples {
		v.Labels = append(v.Labels, s.ChartTime.UTC().Format(time.RFC3339))
		v.Temperature = append(v.Temperature, s.Temperature)
		v.HeartRate = append(v.HeartRate, s.HeartRate)
		v.RespRate = append(v.RespRate, s.RespRate)
		v.O2Sat = append(v.O2Sat, s.O2Sat)
		v.SBP = append(v.SBP, s.SBP)
		v.DBP = append(v.DBP, s.DBP)
	}
	return v
}

type RiskChartData struct {
	Labels []string  `json:"labels"`
	Data   []float64 `json:"data"`
}

func newRiskChartData(riskScore float64) RiskChartData {
	return RiskChartData{Labels: []string{"Risk", "Safe"}, Data: []float64{riskScore, 100 - riskScore}}
}

// Details is the composite patient view.
type Details struct {
	RiskPrediction    RiskPrediction    `json:"riskPrediction"`
	LLMAnalysis       LLMAnalysis       `json:"llmAnalysis"`
	VisualizationData VisualizationData `json:"visualizationData"`
	RiskChartData     RiskChartData     `json:"riskChartData"`

	Probability      float64        `json:"probability"`
	RiskScore        float64        `json:"riskScore"`
	RiskLevel        string         `json:"risk_level"`
	Recommendation   string         `json:"recommendation"`
	Summary          map[string]any `json:"summary"`
	CarePlan         map[string]any `json:"care_plan"`
	AdditionalFields map[string]any `json:"additional_fields"`

	RiskPredictions []RiskPrediction `json:"riskPredictions"`
	LLMAnalyses     []LLMAnalysis    `json:"llmAnalyses"`
}
