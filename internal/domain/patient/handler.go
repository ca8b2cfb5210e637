package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/readmission/dashboard/internal/platform/prediction"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the patient routes. write is applied to the POST
// routes only.
func (h *Handler) RegisterRoutes(api *echo.Group, write ...echo.MiddlewareFunc) {
	g := api.Group("/patient")
	g.GET("/details/:subjectId", h.GetDetails)
	g.POST("/predict", h.Predict, write...)
	g.POST("/analysis", h.Analyze, write...)
}

// SubjectID accepts a positive integer given either as a JSON number or a
// numeric string.
type SubjectID int64

func (s *SubjectID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("subject_id must be an integer")
	}
	*s = SubjectID(n)
	return nil
}

type subjectRequest struct {
	SubjectID SubjectID `json:"subject_id"`
	// Legacy clients send subjectId.
	LegacySubjectID SubjectID `json:"subjectId"`
}

func (r subjectRequest) id() int64 {
	if r.SubjectID != 0 {
		return int64(r.SubjectID)
	}
	return int64(r.LegacySubjectID)
}

func bindSubject(c echo.Context) (int64, error) {
	var req subjectRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return 0, he
		}
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := req.id()
	if id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "No subject_id provided")
	}
	return id, nil
}

func (h *Handler) GetDetails(c echo.Context) error {
	subjectID, err := strconv.ParseInt(c.Param("subjectId"), 10, 64)
	if err != nil || subjectID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "subject id must be a positive integer")
	}

	var at *time.Time
	if v := c.QueryParam("timestamp"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "timestamp must be an RFC 3339 date-time")
		}
		at = &t
	}

	details, err := h.svc.Details(c.Request().Context(), subjectID, at)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Data not found for the provided subject ID")
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("subject_id", subjectID).Msg("load patient details")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load patient details")
	}
	return c.JSON(http.StatusOK, details)
}

func (h *Handler) Predict(c echo.Context) error {
	subjectID, err := bindSubject(c)
	if err != nil {
		return err
	}

	p, err := h.svc.Predict(c.Request().Context(), subjectID)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "No data found for the provided subject_id")
	case IsUnavailable(err):
		h.logger.Error().Err(err).Int64("subject_id", subjectID).Msg("no prediction provider succeeded")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Prediction service unavailable")
	case err != nil:
		h.logger.Error().Err(err).Int64("subject_id", subjectID).Msg("predict readmission risk")
		return echo.NewHTTPError(http.StatusInternalServerError, "An unexpected error occurred during prediction")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Analyze(c echo.Context) error {
	subjectID, err := bindSubject(c)
	if err != nil {
		return err
	}

	n, err := h.svc.Analyze(c.Request().Context(), subjectID)
	switch {
	case errors.Is(err, prediction.ErrNoNarrator):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Narrative analysis is not configured")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "No data found for the provided subject_id")
	case err != nil:
		h.logger.Error().Err(err).Int64("subject_id", subjectID).Msg("generate llm analysis")
		return echo.NewHTTPError(http.StatusInternalServerError, "An unexpected error occurred during analysis")
	}
	return c.JSON(http.StatusOK, n)
}
