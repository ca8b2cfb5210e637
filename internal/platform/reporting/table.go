package reporting

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	highColor     = color.New(color.FgRed, color.Bold)
	moderateColor = color.New(color.FgYellow)
	lowColor      = color.New(color.FgGreen)
)

// ColorLabel colors a risk label for terminal output. Unknown labels are
// returned unchanged.
func ColorLabel(label string) string {
	switch label {
	case "High":
		return highColor.Sprint(label)
	case "Medium", "Moderate":
		return moderateColor.Sprint(label)
	case "Low":
		return lowColor.Sprint(label)
	}
	return label
}

// FormatCell renders one result value for a table cell.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(x, 'f', 2, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', 2, 32)
	case time.Time:
		return x.Format(time.DateOnly)
	case string:
		return ColorLabel(x)
	default:
		return fmt.Sprint(x)
	}
}

// WriteTable renders a measure report as a table.
func WriteTable(w io.Writer, report *MeasureReport) error {
	table := tablewriter.NewWriter(w)
	table.Header(report.Columns)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	data := make([][]string, 0, len(report.Results))
	for _, r := range report.Results {
		row := make([]string, len(report.Columns))
		for i, col := range report.Columns {
			row[i] = FormatCell(r[col])
		}
		data = append(data, row)
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
