package risk

import (
	"fmt"
	"strings"
)

// Bucket is the categorical readmission risk derived from a risk-factor row.
type Bucket string

const (
	Low    Bucket = "Low"
	Medium Bucket = "Medium"
	High   Bucket = "High"
)

// Score thresholds. A score below MediumThreshold is Low, below
// HighThreshold is Medium, anything else is High.
const (
	MediumThreshold = 30.0
	HighThreshold   = 70.0
)

// Buckets lists every bucket in reporting order.
var Buckets = []Bucket{Low, Medium, High}

// Score is the unweighted mean of the four components.
func Score(age, diabetes, heart, bmi float64) float64 {
	return (age + diabetes + heart + bmi) / 4
}

// Classify maps four component scores to a bucket.
func Classify(age, diabetes, heart, bmi float64) Bucket {
	return bucketFor(Score(age, diabetes, heart, bmi))
}

func bucketFor(score float64) Bucket {
	switch {
	case score < MediumThreshold:
		return Low
	case score < HighThreshold:
		return Medium
	default:
		return High
	}
}

// ClassifyNullable returns false when any component is missing. Missing
// components are never read as zero.
func ClassifyNullable(age, diabetes, heart, bmi *float64) (Bucket, bool) {
	if age == nil || diabetes == nil || heart == nil || bmi == nil {
		return "", false
	}
	return Classify(*age, *diabetes, *heart, *bmi), true
}

var componentColumns = []string{"age_risk", "diabetes_risk", "heart_disease_risk", "bmi_risk"}

func qualify(alias string) []string {
	cols := make([]string, len(componentColumns))
	for i, c := range componentColumns {
		if alias != "" {
			c = alias + "." + c
		}
		cols[i] = c
	}
	return cols
}

// CompleteSQL is a predicate selecting rows with all four components present.
func CompleteSQL(alias string) string {
	cols := qualify(alias)
	for i, c := range cols {
		cols[i] = c + " IS NOT NULL"
	}
	return strings.Join(cols, " AND ")
}

// BucketCaseSQL renders the classifier as a SQL CASE expression over the
// risk_factors columns of alias. Incomplete rows yield NULL.
func BucketCaseSQL(alias string) string {
	sum := "(" + strings.Join(qualify(alias), " + ") + ")"
	return fmt.Sprintf(
		"CASE WHEN %[1]s IS NULL THEN NULL WHEN %[1]s / 4.0 < %[2]g THEN '%[4]s' WHEN %[1]s / 4.0 < %[3]g THEN '%[5]s' ELSE '%[6]s' END",
		sum, MediumThreshold, HighThreshold, Low, Medium, High,
	)
}
