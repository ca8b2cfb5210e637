package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/readmission/dashboard/internal/domain/risk"
	"github.com/readmission/dashboard/internal/platform/db"
)

type dashboardRepoPG struct{ pool *pgxpool.Pool }

func NewDashboardRepoPG(pool *pgxpool.Pool) Repository {
	return &dashboardRepoPG{pool: pool}
}

func (r *dashboardRepoPG) Ping(ctx context.Context) error {
	return db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

const trendSQL = `
	SELECT DATE_TRUNC('month', admittime)::date AS month, COUNT(*) AS readmissions
	FROM processed_admissions
	WHERE is_readmission
	GROUP BY 1
	ORDER BY 1
	LIMIT $1`

func (r *dashboardRepoPG) ReadmissionTrend(ctx context.Context, months int) ([]MonthlyReadmissions, error) {
	var out []MonthlyReadmissions
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, trendSQL, months)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (MonthlyReadmissions, error) {
			var m MonthlyReadmissions
			err := row.Scan(&m.Month, &m.Readmissions)
			return m, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("readmission trend: %w", err)
	}
	return out, nil
}

// distributionSQL counts distinct patients per bucket over complete rows only.
var distributionSQL = `
	SELECT bucket, COUNT(DISTINCT subject_id) AS patient_count
	FROM (
		SELECT subject_id, ` + risk.BucketCaseSQL("rf") + ` AS bucket
		FROM risk_factors rf
		WHERE ` + risk.CompleteSQL("rf") + `
	) classified
	GROUP BY bucket`

func (r *dashboardRepoPG) RiskDistribution(ctx context.Context) ([]BucketCount, error) {
	var out []BucketCount
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, distributionSQL)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (BucketCount, error) {
			var b BucketCount
			err := row.Scan(&b.Bucket, &b.Patients)
			return b, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("risk distribution: %w", err)
	}
	return out, nil
}

const monthlySQL = `
	SELECT DATE_TRUNC('month', admittime)::date AS month,
		COUNT(*) AS total_admissions,
		COUNT(*) FILTER (WHERE is_readmission) AS readmissions
	FROM processed_admissions
	GROUP BY 1
	ORDER BY 1
	LIMIT $1`

func (r *dashboardRepoPG) MonthlyAdmissions(ctx context.Context, months int) ([]MonthlyAdmissions, error) {
	var out []MonthlyAdmissions
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, monthlySQL, months)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (MonthlyAdmissions, error) {
			var m MonthlyAdmissions
			err := row.Scan(&m.Month, &m.Total, &m.Readmissions)
			return m, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("monthly admissions: %w", err)
	}
	return out, nil
}

func (r *dashboardRepoPG) AdmissionCounts(ctx context.Context) (*AdmissionCounts, error) {
	var c AdmissionCounts
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE is_readmission)
			FROM processed_admissions`).Scan(&c.Admissions, &c.Readmissions)
	})
	if err != nil {
		return nil, fmt.Errorf("admission counts: %w", err)
	}
	return &c, nil
}

func (r *dashboardRepoPG) HighRiskPatientCount(ctx context.Context) (pgtype.Int8, error) {
	var n pgtype.Int8
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT COUNT(DISTINCT subject_id)
			FROM patient_analysis.risk_prediction
			WHERE risk_level = 'High'`).Scan(&n)
	})
	if err != nil {
		return pgtype.Int8{}, fmt.Errorf("high risk patient count: %w", err)
	}
	return n, nil
}

func (r *dashboardRepoPG) categories(ctx context.Context, name, query string) ([]CategoryCount, error) {
	var out []CategoryCount
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (CategoryCount, error) {
			var c CategoryCount
			err := row.Scan(&c.Category, &c.Count)
			return c, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (r *dashboardRepoPG) Demographics(ctx context.Context) ([]CategoryCount, error) {
	return r.categories(ctx, "demographics",
		`SELECT gender::text, "count"::bigint FROM gender_distribution`)
}

func (r *dashboardRepoPG) MedicationUsage(ctx context.Context) ([]CategoryCount, error) {
	return r.categories(ctx, "medication usage",
		`SELECT drug::text, "count"::bigint FROM common_medications`)
}

func (r *dashboardRepoPG) LengthOfStay(ctx context.Context) ([]CategoryCount, error) {
	return r.categories(ctx, "length of stay",
		`SELECT los_category::text, "count"::bigint FROM length_of_stay_distribution`)
}

func (r *dashboardRepoPG) VitalSigns(ctx context.Context) (*VitalSigns, error) {
	var v VitalSigns
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT avg_temperature::float8, avg_heartrate::float8, avg_resprate::float8,
				avg_o2sat::float8, avg_sbp::float8, avg_dbp::float8
			FROM average_vital_signs
			LIMIT 1`).Scan(&v.Temperature, &v.HeartRate, &v.RespRate, &v.O2Sat, &v.SBP, &v.DBP)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vital signs: %w", err)
	}
	return &v, nil
}
