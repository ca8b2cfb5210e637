package dashboard

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// Repository runs the dashboard sub-queries. Each call is independent and
// uses its own connection.
type Repository interface {
	Ping(ctx context.Context) error
	ReadmissionTrend(ctx context.Context, months int) ([]MonthlyReadmissions, error)
	RiskDistribution(ctx context.Context) ([]BucketCount, error)
	MonthlyAdmissions(ctx context.Context, months int) ([]MonthlyAdmissions, error)
	AdmissionCounts(ctx context.Context) (*AdmissionCounts, error)
	HighRiskPatientCount(ctx context.Context) (pgtype.Int8, error)
	Demographics(ctx context.Context) ([]CategoryCount, error)
	MedicationUsage(ctx context.Context) ([]CategoryCount, error)
	LengthOfStay(ctx context.Context) ([]CategoryCount, error)
	VitalSigns(ctx context.Context) (*VitalSigns, error)
}
