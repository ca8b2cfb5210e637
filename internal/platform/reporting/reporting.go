package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var (
	ErrMeasureNotFound = errors.New("measure not found")
	ErrInvalidParam    = errors.New("invalid measure parameter")
)

// Parameter is a positional integer argument of a measure query. Parameters
// bind to $1, $2, ... in declaration order.
type Parameter struct {
	Name    string `json:"name"`
	Default int    `json:"default"`
	Max     int    `json:"max"`
}

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	SQL         string      `json:"sql"`
	Parameters  []Parameter `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	GeneratedAt time.Time        `json:"generated_at"`
	Columns     []string         `json:"columns"`
	Results     []map[string]any `json:"results"`
	Parameters  map[string]int   `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "readmission-rate",
		Name:        "Readmission Rate",
		Description: "Admissions, readmissions and the readmission percentage over all processed admissions",
		SQL: `SELECT COUNT(*) AS admissions,
			COUNT(*) FILTER (WHERE is_readmission) AS readmissions,
			COALESCE(ROUND(100.0 * COUNT(*) FILTER (WHERE is_readmission) / NULLIF(COUNT(*), 0), 2), 0)::float8 AS rate
			FROM processed_admissions`,
		Parameters: []Parameter{},
	},
	{
		ID:          "readmissions-by-admission-type",
		Name:        "Readmissions by Admission Type",
		Description: "Readmission counts and rate grouped by admission type",
		SQL: `SELECT COALESCE(admission_type, 'unknown') AS admission_type,
			COUNT(*) AS admissions,
			COUNT(*) FILTER (WHERE is_readmission) AS readmissions,
			ROUND(100.0 * COUNT(*) FILTER (WHERE is_readmission) / COUNT(*), 2)::float8 AS rate
			FROM processed_admissions
			GROUP BY 1 ORDER BY readmissions DESC`,
		Parameters: []Parameter{},
	},
	{
		ID:          "frequent-readmitters",
		Name:        "Frequent Readmitters",
		Description: "Patients with the most readmissions",
		SQL: `SELECT subject_id, COUNT(*) AS admissions,
			COUNT(*) FILTER (WHERE is_readmission) AS readmissions,
			MAX(admittime) AS last_admission
			FROM processed_admissions
			GROUP BY subject_id
			HAVING COUNT(*) FILTER (WHERE is_readmission) > 0
			ORDER BY readmissions DESC, subject_id
			LIMIT $1`,
		Parameters: []Parameter{{Name: "limit", Default: 10, Max: 100}},
	},
	{
		ID:          "stored-predictions-by-risk-level",
		Name:        "Stored Predictions by Risk Level",
		Description: "Stored model predictions grouped by risk level and source over the last N days",
		SQL: `SELECT risk_level, COALESCE(source, 'unknown') AS source, COUNT(*) AS total,
			ROUND(AVG(probability)::numeric, 4)::float8 AS avg_probability
			FROM patient_analysis.risk_prediction
			WHERE "timestamp" >= NOW() - make_interval(days => $1)
			GROUP BY 1, 2 ORDER BY total DESC`,
		Parameters: []Parameter{{Name: "days", Default: 30, Max: 3650}},
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// ResolveParams applies defaults and bounds to raw parameter values and
// returns them keyed by name together with the positional query arguments.
func (m *MeasureDefinition) ResolveParams(raw map[string]string) (map[string]int, []any, error) {
	values := make(map[string]int, len(m.Parameters))
	args := make([]any, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		v := p.Default
		if s, ok := raw[p.Name]; ok && s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || (p.Max > 0 && n > p.Max) {
				return nil, nil, fmt.Errorf("%w: %s must be an integer between 1 and %d", ErrInvalidParam, p.Name, p.Max)
			}
			v = n
		}
		values[p.Name] = v
		args = append(args, v)
	}
	return values, args, nil
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Evaluator runs predefined measures.
type Evaluator struct {
	db  Querier
	now func() time.Time
}

func NewEvaluator(db Querier) *Evaluator {
	return &Evaluator{db: db, now: time.Now}
}

// Evaluate runs the measure with the given raw parameters.
func (e *Evaluator) Evaluate(ctx context.Context, id string, raw map[string]string) (*MeasureReport, error) {
	measure := FindMeasure(id)
	if measure == nil {
		return nil, fmt.Errorf("%w: %s", ErrMeasureNotFound, id)
	}
	params, args, err := measure.ResolveParams(raw)
	if err != nil {
		return nil, err
	}

	columns, results, err := e.executeSQL(ctx, measure.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", measure.ID, err)
	}

	return &MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: e.now().UTC(),
		Columns:     columns,
		Results:     results,
		Parameters:  params,
	}, nil
}

// executeSQL runs a SQL query and returns the column names and the rows as
// maps keyed by column.
func (e *Evaluator) executeSQL(ctx context.Context, sql string, args ...any) ([]string, []map[string]any, error) {
	rows, err := e.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}

		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = plain(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, results, nil
}

func plain(v any) any {
	if n, ok := v.(pgtype.Numeric); ok {
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	}
	return v
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	eval   *Evaluator
	logger zerolog.Logger
}

func NewHandler(eval *Evaluator, logger zerolog.Logger) *Handler {
	return &Handler{eval: eval, logger: logger}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports")
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measureID := c.Param("id")

	raw := map[string]string{}
	if m := FindMeasure(measureID); m != nil {
		for _, p := range m.Parameters {
			raw[p.Name] = c.QueryParam(p.Name)
		}
	}

	report, err := h.eval.Evaluate(c.Request().Context(), measureID, raw)
	switch {
	case errors.Is(err, ErrMeasureNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	case errors.Is(err, ErrInvalidParam):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Str("measure", measureID).Msg("evaluate measure")
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}
	return c.JSON(http.StatusOK, report)
}
