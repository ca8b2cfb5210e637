package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/readmission/dashboard/internal/platform/db"
)

type analyticsRepoPG struct{ pool *pgxpool.Pool }

func NewAnalyticsRepoPG(pool *pgxpool.Pool) Repository {
	return &analyticsRepoPG{pool: pool}
}

// Both views are pre-aggregated by the ETL; rows with a NULL date are skipped.
const (
	visitsSQL = `
		SELECT "date"::date, COALESCE(visit_count, 0)::bigint
		FROM patient_visits
		WHERE "date" IS NOT NULL
		ORDER BY "date"
		LIMIT $1`

	readmissionsSQL = `
		SELECT "date"::date, COALESCE(readmission_count, 0)::bigint
		FROM readmissions_over_time
		WHERE "date" IS NOT NULL
		ORDER BY "date"
		LIMIT $1`
)

func (r *analyticsRepoPG) PatientVisits(ctx context.Context, limit int) ([]VisitPoint, error) {
	var out []VisitPoint
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, visitsSQL, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (VisitPoint, error) {
			var (
				d pgtype.Date
				p VisitPoint
			)
			err := row.Scan(&d, &p.VisitCount)
			p.Date = d.Time
			return p, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("patient visits: %w", err)
	}
	return out, nil
}

func (r *analyticsRepoPG) ReadmissionsOverTime(ctx context.Context, limit int) ([]ReadmissionPoint, error) {
	var out []ReadmissionPoint
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, readmissionsSQL, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReadmissionPoint, error) {
			var (
				d pgtype.Date
				p ReadmissionPoint
			)
			err := row.Scan(&d, &p.ReadmissionCount)
			p.Date = d.Time
			return p, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("readmissions over time: %w", err)
	}
	return out, nil
}
