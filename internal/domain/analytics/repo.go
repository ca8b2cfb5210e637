package analytics

import "context"

type Repository interface {
	PatientVisits(ctx context.Context, limit int) ([]VisitPoint, error)
	ReadmissionsOverTime(ctx context.Context, limit int) ([]ReadmissionPoint, error)
}
