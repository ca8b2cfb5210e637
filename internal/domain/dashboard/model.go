package dashboard

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Rows as read from the store. Every column is nullable here; coercion to
// plain values happens in the presenter.

type MonthlyReadmissions struct {
	Month        pgtype.Date
	Readmissions pgtype.Int8
}

type MonthlyAdmissions struct {
	Month        pgtype.Date
	Total        pgtype.Int8
	Readmissions pgtype.Int8
}

type BucketCount struct {
	Bucket   pgtype.Text
	Patients pgtype.Int8
}

type AdmissionCounts struct {
	Admissions   pgtype.Int8
	Readmissions pgtype.Int8
}

// CategoryCount is a row of one of the pre-aggregated distribution views.
type CategoryCount struct {
	Category pgtype.Text
	Count    pgtype.Int8
}

type VitalSigns struct {
	Temperature pgtype.Float8
	HeartRate   pgtype.Float8
	RespRate    pgtype.Float8
	O2Sat       pgtype.Float8
	SBP         pgtype.Float8
	DBP         pgtype.Float8
}

// Aggregates collects every sub-aggregate of one dashboard request. A nil or
// empty field means the sub-query returned nothing or failed.
type Aggregates struct {
	Trend        []MonthlyReadmissions
	Distribution []BucketCount
	Monthly      []MonthlyAdmissions
	Counts       *AdmissionCounts
	HighRisk     pgtype.Int8
	Demographics []CategoryCount
	Medications  []CategoryCount
	LengthOfStay []CategoryCount
	Vitals       *VitalSigns
	Degraded     []string
}
