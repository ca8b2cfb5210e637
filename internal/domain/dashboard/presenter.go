package dashboard

import (
	"sort"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/readmission/dashboard/internal/domain/risk"
)

const monthLayout = "2006-01-02"

type TrendPoint struct {
	Month        string `json:"month"`
	Readmissions int64  `json:"readmissions"`
}

type MonthlyPoint struct {
	Month           string `json:"month"`
	TotalAdmissions int64  `json:"total_admissions"`
	Readmissions    int64  `json:"readmissions"`
}

type BucketPoint struct {
	RiskLevel    risk.Bucket `json:"risk_level"`
	PatientCount int64       `json:"patient_count"`
}

type GenderPoint struct {
	Gender string `json:"gender"`
	Count  int64  `json:"count"`
}

type MedicationPoint struct {
	Drug  string `json:"drug"`
	Count int64  `json:"count"`
}

type LengthOfStayPoint struct {
	Category string `json:"los_category"`
	Count    int64  `json:"count"`
}

// VitalSignsView is empty ({}) when the store has no averages row.
type VitalSignsView struct {
	Temperature *float64 `json:"avg_temperature,omitempty"`
	HeartRate   *float64 `json:"avg_heartrate,omitempty"`
	RespRate    *float64 `json:"avg_resprate,omitempty"`
	O2Sat       *float64 `json:"avg_o2sat,omitempty"`
	SBP         *float64 `json:"avg_sbp,omitempty"`
	DBP         *float64 `json:"avg_dbp,omitempty"`
}

// Snapshot is the dashboard payload. Keys are fixed regardless of the
// underlying column names.
type Snapshot struct {
	ReadmissionTrends   []TrendPoint        `json:"readmissionTrends"`
	ReadmissionRate     float64             `json:"readmissionRate"`
	HighRiskCount       int64               `json:"highRiskCount"`
	TotalAdmissions     int64               `json:"totalAdmissions"`
	RiskDistribution    []BucketPoint       `json:"riskDistribution"`
	MonthlyAdmissions   []MonthlyPoint      `json:"monthlyAdmissions"`
	Demographics        []GenderPoint       `json:"demographics"`
	MedicationUsage     []MedicationPoint   `json:"medicationUsage"`
	LengthOfStay        []LengthOfStayPoint `json:"lengthOfStay"`
	VitalSigns          VitalSignsView      `json:"vitalSigns"`
	PatientSatisfaction float64             `json:"patientSatisfaction"`
	Degraded            []string            `json:"degraded"`
}

func i8(v pgtype.Int8) int64 {
	if !v.Valid {
		return 0
	}
	return v.Int64
}

func f8(v pgtype.Float8) *float64 {
	f := 0.0
	if v.Valid {
		f = v.Float64
	}
	return &f
}

func text(v pgtype.Text) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func month(d pgtype.Date) string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(monthLayout)
}

// Present shapes raw aggregates into the dashboard payload. It never fails:
// missing data becomes zero, [] or {}.
func Present(agg *Aggregates, opts Options) *Snapshot {
	opts = opts.withDefaults()
	if agg == nil {
		agg = &Aggregates{}
	}

	s := &Snapshot{
		ReadmissionTrends: presentTrend(agg.Trend, opts.TrendMonths),
		RiskDistribution:  presentDistribution(agg.Distribution),
		MonthlyAdmissions: presentMonthly(agg.Monthly, opts.MonthlyAdmissionsMonths),
		HighRiskCount:     i8(agg.HighRisk),
		Demographics:      []GenderPoint{},
		MedicationUsage:   []MedicationPoint{},
		LengthOfStay:      []LengthOfStayPoint{},
		Degraded:          []string{},

		PatientSatisfaction: opts.PatientSatisfactionRate,
	}

	if agg.Counts != nil {
		s.TotalAdmissions = i8(agg.Counts.Admissions)
	}
	if rate, err := RateFromCounts(agg.Counts); err == nil {
		s.ReadmissionRate = rate
	}

	for _, c := range agg.Demographics {
		s.Demographics = append(s.Demographics, GenderPoint{Gender: text(c.Category), Count: i8(c.Count)})
	}
	for _, c := range agg.Medications {
		s.MedicationUsage = append(s.MedicationUsage, MedicationPoint{Drug: text(c.Category), Count: i8(c.Count)})
	}
	for _, c := range agg.LengthOfStay {
		s.LengthOfStay = append(s.LengthOfStay, LengthOfStayPoint{Category: text(c.Category), Count: i8(c.Count)})
	}

	if v := agg.Vitals; v != nil {
		s.VitalSigns = VitalSignsView{
			Temperature: f8(v.Temperature),
			HeartRate:   f8(v.HeartRate),
			RespRate:    f8(v.RespRate),
			O2Sat:       f8(v.O2Sat),
			SBP:         f8(v.SBP),
			DBP:         f8(v.DBP),
		}
	}

	s.Degraded = append(s.Degraded, agg.Degraded...)
	return s
}

func presentTrend(rows []MonthlyReadmissions, limit int) []TrendPoint {
	valid := make([]MonthlyReadmissions, 0, len(rows))
	for _, r := range rows {
		if r.Month.Valid {
			valid = append(valid, r)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Month.Time.Before(valid[j].Month.Time) })
	if len(valid) > limit {
		valid = valid[:limit]
	}

	out := make([]TrendPoint, 0, len(valid))
	for _, r := range valid {
		out = append(out, TrendPoint{Month: month(r.Month), Readmissions: i8(r.Readmissions)})
	}
	return out
}

func presentMonthly(rows []MonthlyAdmissions, limit int) []MonthlyPoint {
	valid := make([]MonthlyAdmissions, 0, len(rows))
	for _, r := range rows {
		if r.Month.Valid {
			valid = append(valid, r)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Month.Time.Before(valid[j].Month.Time) })
	if len(valid) > limit {
		valid = valid[:limit]
	}

	out := make([]MonthlyPoint, 0, len(valid))
	for _, r := range valid {
		out = append(out, MonthlyPoint{
			Month:           month(r.Month),
			TotalAdmissions: i8(r.Total),
			Readmissions:    i8(r.Readmissions),
		})
	}
	return out
}

// presentDistribution always yields Low, Medium, High in that order.
func presentDistribution(rows []BucketCount) []BucketPoint {
	counts := make(map[risk.Bucket]int64, len(risk.Buckets))
	for _, r := range rows {
		if r.Bucket.Valid {
			counts[risk.Bucket(r.Bucket.String)] += i8(r.Patients)
		}
	}

	out := make([]BucketPoint, 0, len(risk.Buckets))
	for _, b := range risk.Buckets {
		out = append(out, BucketPoint{RiskLevel: b, PatientCount: counts[b]})
	}
	return out
}
