package risk

import "context"

type Repository interface {
	ListRiskFactors(ctx context.Context, limit int) ([]RiskFactor, error)
	ListNotified(ctx context.Context, limit int) ([]NotifiedPatient, error)
	AverageReadmissionRisk(ctx context.Context) (float64, error)
}
