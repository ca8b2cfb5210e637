package risk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
)

type riskRepoPG struct {
	pool *pgxpool.Pool
	gdb  *gorm.DB
}

// NewRiskRepoPG reads risk-factor rows through GORM and the admission-based
// notification queries through pgx.
func NewRiskRepoPG(pool *pgxpool.Pool, gdb *gorm.DB) Repository {
	return &riskRepoPG{pool: pool, gdb: gdb}
}

func (r *riskRepoPG) ListRiskFactors(ctx context.Context, limit int) ([]RiskFactor, error) {
	var rows []RiskFactor
	err := r.gdb.WithContext(ctx).
		Order("subject_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list risk factors: %w", err)
	}
	return rows, nil
}

// patientHistory is shared by the notification list and the summary so both
// count admissions the same way: distinct hadm_id per subject.
const patientHistory = `
	WITH adm AS (
		SELECT subject_id,
			COUNT(DISTINCT hadm_id) AS admission_count,
			MAX(admittime) AS last_admission_date,
			MAX(dischtime) AS last_discharge
		FROM mimiciv_hosp.admissions
		GROUP BY subject_id
	)
	SELECT p.subject_id, p.anchor_age,
		COALESCE(adm.admission_count, 0) AS admission_count,
		adm.last_admission_date,
		adm.last_discharge + INTERVAL '%d days' AS follow_up_date,
		(EXISTS (SELECT 1 FROM mimiciv_icu.icustays icu WHERE icu.subject_id = p.subject_id)
		 OR EXISTS (SELECT 1 FROM mimiciv_hosp.procedures_icd proc WHERE proc.subject_id = p.subject_id)) AS icu_or_procedure
	FROM mimiciv_hosp.patients p
	LEFT JOIN adm ON adm.subject_id = p.subject_id`

func historySQL() string {
	return fmt.Sprintf(patientHistory, followUpDays)
}

// labelScoreSQL mirrors NotifyLabel and LabelScore over a patientHistory row.
func labelScoreSQL(alias string) string {
	return fmt.Sprintf(
		"CASE WHEN %[1]s.anchor_age > %[2]d OR %[1]s.admission_count > %[3]d THEN %[4]d WHEN %[1]s.icu_or_procedure THEN %[5]d ELSE %[6]d END",
		alias, notifyAgeOver, notifyAdmissionsOver,
		LabelScore(LabelHigh), LabelScore(LabelModerate), LabelScore(LabelLow),
	)
}

func (r *riskRepoPG) ListNotified(ctx context.Context, limit int) ([]NotifiedPatient, error) {
	rows, err := r.pool.Query(ctx, historySQL()+` ORDER BY p.subject_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notified patients: %w", err)
	}
	defer rows.Close()

	out := []NotifiedPatient{}
	for rows.Next() {
		var (
			n       NotifiedPatient
			age     *int32
			count   int64
			icuProc bool
		)
		if err := rows.Scan(&n.SubjectID, &age, &count, &n.LastAdmissionDate, &n.FollowUpDate, &icuProc); err != nil {
			return nil, fmt.Errorf("scan notified patient: %w", err)
		}
		if age != nil {
			a := int(*age)
			n.AnchorAge = &a
		}
		n.AdmissionCount = int(count)
		n.ReadmissionRisk = NotifyLabel(n.AnchorAge, n.AdmissionCount, icuProc)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notified patients: %w", err)
	}
	return out, nil
}

func (r *riskRepoPG) AverageReadmissionRisk(ctx context.Context) (float64, error) {
	q := `SELECT COALESCE(AVG(` + labelScoreSQL("h") + `), 0)::float8 FROM (` + historySQL() + `) h`

	var avg float64
	if err := r.pool.QueryRow(ctx, q).Scan(&avg); err != nil {
		return 0, fmt.Errorf("average readmission risk: %w", err)
	}
	return avg, nil
}
