package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/readmission/dashboard/internal/domain/dashboard"
	"github.com/readmission/dashboard/internal/platform/db"
	"github.com/readmission/dashboard/internal/platform/reporting"
)

var (
	headingColor  = color.New(color.FgCyan, color.Bold)
	degradedColor = color.New(color.FgYellow)
)

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compute the dashboard once and print it as tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			measures, _ := cmd.Flags().GetStringSlice("measure")
			params, _ := cmd.Flags().GetStringToString("param")
			noColor, _ := cmd.Flags().GetBool("no-color")
			if noColor {
				color.NoColor = true
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.ConnString(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			if len(measures) > 0 {
				return printMeasures(ctx, out, reporting.NewEvaluator(pool), measures, params)
			}

			snap, err := newDashboardService(cfg, pool, logger).Snapshot(ctx)
			if err != nil {
				return err
			}
			return printSnapshot(out, snap)
		},
	}
	cmd.Flags().StringSlice("measure", nil, "Evaluate the named reporting measures instead of the dashboard (see /api/reports/measures)")
	cmd.Flags().StringToString("param", nil, "Measure parameters, e.g. --param limit=20")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

func printMeasures(ctx context.Context, w io.Writer, eval *reporting.Evaluator, ids []string, params map[string]string) error {
	for _, id := range ids {
		report, err := eval.Evaluate(ctx, id, params)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, headingColor.Sprint(report.MeasureName))
		if err := reporting.WriteTable(w, report); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(headers)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})
	return table
}

func renderTable(w io.Writer, title string, headers []string, data [][]string) error {
	fmt.Fprintln(w, headingColor.Sprint(title))
	table := newTable(w, headers...)
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

// printSnapshot renders every dashboard aggregate as its own table.
func printSnapshot(w io.Writer, s *dashboard.Snapshot) error {
	summary := [][]string{
		{"Total admissions", itoa(s.TotalAdmissions)},
		{"Readmission rate (%)", ftoa(s.ReadmissionRate)},
		{"High-risk patients", itoa(s.HighRiskCount)},
		{"Patient satisfaction (%)", ftoa(s.PatientSatisfaction)},
	}
	if err := renderTable(w, "Summary", []string{"Metric", "Value"}, summary); err != nil {
		return err
	}

	var dist [][]string
	for _, b := range s.RiskDistribution {
		dist = append(dist, []string{reporting.ColorLabel(string(b.RiskLevel)), itoa(b.PatientCount)})
	}
	if err := renderTable(w, "Risk distribution", []string{"Risk level", "Patients"}, dist); err != nil {
		return err
	}

	var monthly [][]string
	for _, m := range s.MonthlyAdmissions {
		monthly = append(monthly, []string{m.Month, itoa(m.TotalAdmissions), itoa(m.Readmissions)})
	}
	if err := renderTable(w, "Monthly admissions", []string{"Month", "Admissions", "Readmissions"}, monthly); err != nil {
		return err
	}

	var trend [][]string
	for _, p := range s.ReadmissionTrends {
		trend = append(trend, []string{p.Month, itoa(p.Readmissions)})
	}
	if err := renderTable(w, "Readmission trend", []string{"Month", "Readmissions"}, trend); err != nil {
		return err
	}

	var demo [][]string
	for _, g := range s.Demographics {
		demo = append(demo, []string{g.Gender, itoa(g.Count)})
	}
	if err := renderTable(w, "Demographics", []string{"Gender", "Patients"}, demo); err != nil {
		return err
	}

	var meds [][]string
	for _, m := range s.MedicationUsage {
		meds = append(meds, []string{m.Drug, itoa(m.Count)})
	}
	if err := renderTable(w, "Medication usage", []string{"Drug", "Prescriptions"}, meds); err != nil {
		return err
	}

	var los [][]string
	for _, l := range s.LengthOfStay {
		los = append(los, []string{l.Category, itoa(l.Count)})
	}
	if err := renderTable(w, "Length of stay", []string{"Category", "Admissions"}, los); err != nil {
		return err
	}

	v := s.VitalSigns
	var vitals [][]string
	for _, row := range []struct {
		name string
		val  *float64
	}{
		{"Temperature", v.Temperature}, {"Heart rate", v.HeartRate}, {"Respiratory rate", v.RespRate},
		{"O2 saturation", v.O2Sat}, {"Systolic BP", v.SBP}, {"Diastolic BP", v.DBP},
	} {
		if row.val != nil {
			vitals = append(vitals, []string{row.name, ftoa(*row.val)})
		}
	}
	if err := renderTable(w, "Average vital signs", []string{"Measurement", "Average"}, vitals); err != nil {
		return err
	}

	if len(s.Degraded) > 0 {
		fmt.Fprintln(w, degradedColor.Sprintf("Degraded: %s", strings.Join(s.Degraded, ", ")))
	}
	return nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) error {
	var data [][]string
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		data = append(data, []string{strconv.Itoa(s.Version), s.Name, status, appliedAt})
	}
	return renderTable(w, "Migrations", []string{"Version", "Name", "Status", "Applied at"}, data)
}
