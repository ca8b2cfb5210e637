package analytics

import "time"

// SeriesLimit bounds each analytics series.
const SeriesLimit = 10

type VisitPoint struct {
	Date       time.Time `json:"date"`
	VisitCount int64     `json:"visit_count"`
}

type ReadmissionPoint struct {
	Date             time.Time `json:"date"`
	ReadmissionCount int64     `json:"readmission_count"`
}

// AnalysisData is the payload of the analytics page.
type AnalysisData struct {
	PatientVisits        []VisitPoint       `json:"patient_visits"`
	ReadmissionsOverTime []ReadmissionPoint `json:"readmissions_over_time"`
}
