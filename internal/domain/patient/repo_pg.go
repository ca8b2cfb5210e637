package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"github.com/readmission/dashboard/internal/platform/db"
	"github.com/readmission/dashboard/internal/platform/prediction"
)

const maxContextRows = 20

type patientRepoPG struct {
	pool *pgxpool.Pool
	gdb  *gorm.DB
}

// NewPatientRepoPG reads clinical tables through pgx and stores analyses
// through GORM. Both share the same pool.
func NewPatientRepoPG(pool *pgxpool.Pool, gdb *gorm.DB) Repository {
	return &patientRepoPG{pool: pool, gdb: gdb}
}

const (
	featuresSQL = `SELECT * FROM mimiciv_derived.patient_prediction_data WHERE subject_id = $1 LIMIT 1`

	historyFeaturesSQL = `
		SELECT p.anchor_age, COUNT(DISTINCT a.hadm_id)
		FROM mimiciv_hosp.patients p
		LEFT JOIN mimiciv_hosp.admissions a ON a.subject_id = p.subject_id
		WHERE p.subject_id = $1
		GROUP BY p.anchor_age`
)

func (r *patientRepoPG) PredictionFeatures(ctx context.Context, subjectID int64) (prediction.Features, error) {
	var features prediction.Features
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		var err error
		features, err = readFeatureRow(ctx, conn, subjectID)
		if err != nil {
			return err
		}

		_, hasAge := features["anchor_age"]
		_, hasCount := features["admission_count"]
		if hasAge && hasCount {
			return nil
		}

		var (
			age   pgtype.Int4
			count int64
		)
		err = conn.QueryRow(ctx, historyFeaturesSQL, subjectID).Scan(&age, &count)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !hasAge && age.Valid {
			features["anchor_age"] = int64(age.Int32)
		}
		if !hasCount {
			features["admission_count"] = count
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prediction features for %d: %w", subjectID, err)
	}
	return features, nil
}

func readFeatureRow(ctx context.Context, conn *pgxpool.Conn, subjectID int64) (prediction.Features, error) {
	rows, err := conn.Query(ctx, featuresSQL, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}

	fields := rows.FieldDescriptions()
	features := make(prediction.Features, len(fields))
	for i, fd := range fields {
		if fd.Name == "subject_id" {
			continue
		}
		features[fd.Name] = featureValue(values[i])
	}
	rows.Close()
	return features, rows.Err()
}

// featureValue converts driver values into plain JSON-friendly ones.
func featureValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}

const (
	latestAdmissionSQL = `
		SELECT admittime, dischtime, COALESCE(admission_type, ''),
		       COALESCE(discharge_location, ''), COALESCE(insurance, '')
		FROM mimiciv_hosp.admissions
		WHERE subject_id = $1
		ORDER BY admittime DESC
		LIMIT 1`

	diagnosesSQL = `
		SELECT d.icd_code, COALESCE(dd.long_title, '')
		FROM mimiciv_hosp.diagnoses_icd d
		LEFT JOIN mimiciv_hosp.d_icd_diagnoses dd
		  ON dd.icd_code = d.icd_code AND dd.icd_version = d.icd_version
		WHERE d.subject_id = $1
		ORDER BY d.hadm_id DESC, d.seq_num
		LIMIT $2`

	medicationsSQL = `
		SELECT COALESCE(drug, ''), COALESCE(dose_val_rx, ''),
		       COALESCE(dose_unit_rx, ''), COALESCE(route, '')
		FROM mimiciv_hosp.prescriptions
		WHERE subject_id = $1
		ORDER BY starttime DESC NULLS LAST
		LIMIT $2`

	latestICUStaySQL = `
		SELECT intime, outtime, COALESCE(los, 0)::float8
		FROM mimiciv_icu.icustays
		WHERE subject_id = $1
		ORDER BY intime DESC
		LIMIT 1`
)

func (r *patientRepoPG) Context(ctx context.Context, subjectID int64) (*prediction.PatientContext, error) {
	pc := &prediction.PatientContext{SubjectID: subjectID}
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		var a prediction.AdmissionInfo
		err := conn.QueryRow(ctx, latestAdmissionSQL, subjectID).
			Scan(&a.AdmitTime, &a.DischTime, &a.AdmissionType, &a.DischargeLocation, &a.Insurance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("latest admission: %w", err)
		}
		pc.Admission = &a

		rows, err := conn.Query(ctx, diagnosesSQL, subjectID, maxContextRows)
		if err != nil {
			return fmt.Errorf("diagnoses: %w", err)
		}
		if pc.Diagnoses, err = pgx.CollectRows(rows, pgx.RowToStructByPos[prediction.Diagnosis]); err != nil {
			return fmt.Errorf("diagnoses: %w", err)
		}

		rows, err = conn.Query(ctx, medicationsSQL, subjectID, maxContextRows)
		if err != nil {
			return fmt.Errorf("medications: %w", err)
		}
		if pc.Medications, err = pgx.CollectRows(rows, pgx.RowToStructByPos[prediction.Medication]); err != nil {
			return fmt.Errorf("medications: %w", err)
		}

		var stay prediction.ICUStay
		err = conn.QueryRow(ctx, latestICUStaySQL, subjectID).Scan(&stay.InTime, &stay.OutTime, &stay.LOS)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("icu stay: %w", err)
		default:
			pc.ICUStay = &stay
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("patient context for %d: %w", subjectID, err)
	}
	return pc, nil
}

const vitalSeriesSQL = `
	SELECT charttime, temperature::float8, heartrate::float8, resprate::float8,
	       o2sat::float8, sbp::float8, dbp::float8
	FROM vital_signs
	WHERE subject_id = $1 AND charttime IS NOT NULL
	ORDER BY charttime`

func (r *patientRepoPG) VitalSeries(ctx context.Context, subjectID int64) ([]VitalSample, error) {
	var out []VitalSample
	err := db.WithConn(ctx, r.pool, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, vitalSeriesSQL, subjectID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToStructByPos[VitalSample])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vital series for %d: %w", subjectID, err)
	}
	return out, nil
}

func (r *patientRepoPG) CreatePrediction(ctx context.Context, p *RiskPrediction) error {
	if err := r.gdb.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("store risk prediction: %w", err)
	}
	return nil
}

func (r *patientRepoPG) ListPredictions(ctx context.Context, subjectID int64) ([]RiskPrediction, error) {
	var out []RiskPrediction
	err := r.gdb.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order(`"timestamp" DESC, id DESC`).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list risk predictions: %w", err)
	}
	return out, nil
}

func (r *patientRepoPG) CreateAnalysis(ctx context.Context, a *LLMAnalysis) error {
	if err := r.gdb.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("store llm analysis: %w", err)
	}
	return nil
}

func (r *patientRepoPG) ListAnalyses(ctx context.Context, subjectID int64) ([]LLMAnalysis, error) {
	var out []LLMAnalysis
	err := r.gdb.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order(`"timestamp" DESC, id DESC`).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list llm analyses: %w", err)
	}
	return out, nil
}
