package patient

import (
	"context"

	"github.com/readmission/dashboard/internal/platform/prediction"
)

type Repository interface {
	// PredictionFeatures returns the model input row, or ErrNotFound.
	PredictionFeatures(ctx context.Context, subjectID int64) (prediction.Features, error)
	// Context returns the clinical background for a narrative, or ErrNotFound
	// when the subject has no admission.
	Context(ctx context.Context, subjectID int64) (*prediction.PatientContext, error)
	VitalSeries(ctx context.Context, subjectID int64) ([]VitalSample, error)

	CreatePrediction(ctx context.Context, p *RiskPrediction) error
	// ListPredictions and ListAnalyses return newest first.
	ListPredictions(ctx context.Context, subjectID int64) ([]RiskPrediction, error)
	CreateAnalysis(ctx context.Context, a *LLMAnalysis) error
	ListAnalyses(ctx context.Context, subjectID int64) ([]LLMAnalysis, error)
}
