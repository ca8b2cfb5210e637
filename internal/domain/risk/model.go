package risk

import (
	"time"

	"gorm.io/gorm"
)

// RiskFactor is one row of the risk_factors table. Components are nullable in
// the store and stay nil here.
type RiskFactor struct {
	SubjectID        int64    `gorm:"column:subject_id;primaryKey" json:"subject_id"`
	AnchorAge        *int     `gorm:"column:anchor_age" json:"anchor_age"`
	AgeRisk          *float64 `gorm:"column:age_risk" json:"age_risk"`
	DiabetesRisk     *float64 `gorm:"column:diabetes_risk" json:"diabetes_risk"`
	HeartDiseaseRisk *float64 `gorm:"column:heart_disease_risk" json:"heart_disease_risk"`
	BMIRisk          *float64 `gorm:"column:bmi_risk" json:"bmi_risk"`

	RiskLevel *Bucket `gorm:"-" json:"risk_level"`
}

func (RiskFactor) TableName() string { return "risk_factors" }

// AfterFind attaches the derived bucket to every loaded row.
func (r *RiskFactor) AfterFind(*gorm.DB) error {
	r.classify()
	return nil
}

func (r *RiskFactor) classify() {
	r.RiskLevel = nil
	if b, ok := ClassifyNullable(r.AgeRisk, r.DiabetesRisk, r.HeartDiseaseRisk, r.BMIRisk); ok {
		r.RiskLevel = &b
	}
}

// Notification labels. These come from admission history rather than the
// component scores and are not Buckets.
const (
	LabelHigh     = "High"
	LabelModerate = "Moderate"
	LabelLow      = "Low"

	notifyAgeOver        = 65
	notifyAdmissionsOver = 2
	followUpDays         = 30
)

// NotifiedPatient is one follow-up notification row.
type NotifiedPatient struct {
	SubjectID         int64      `json:"subject_id"`
	AnchorAge         *int       `json:"anchor_age"`
	AdmissionCount    int        `json:"admission_count"`
	LastAdmissionDate *time.Time `json:"last_admission_date"`
	FollowUpDate      *time.Time `json:"follow_up_date"`
	ReadmissionRisk   string     `json:"readmission_risk"`
}

// NotifyLabel applies the follow-up rule to one patient.
func NotifyLabel(anchorAge *int, admissions int, icuOrProcedure bool) string {
	switch {
	case (anchorAge != nil && *anchorAge > notifyAgeOver) || admissions > notifyAdmissionsOver:
		return LabelHigh
	case icuOrProcedure:
		return LabelModerate
	default:
		return LabelLow
	}
}

// LabelScore is the numeric weight of a label used for the summary average.
func LabelScore(label string) int {
	switch label {
	case LabelHigh:
		return 3
	case LabelModerate:
		return 2
	default:
		return 1
	}
}

// Summary is the population-level readmission risk.
type Summary struct {
	AvgReadmissionRisk float64 `json:"avg_readmission_risk"`
}
