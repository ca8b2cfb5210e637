package risk

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/risk-factor")
	g.GET("/get-data", h.GetData)
	g.GET("/get-notified", h.GetNotified)
	g.GET("/summary", h.GetSummary)
}

func (h *Handler) GetData(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxRiskFactorLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer between 1 and 100")
		}
		limit = n
	}

	rows, err := h.svc.RiskFactors(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch risk factors")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch risk factors data.")
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetNotified(c echo.Context) error {
	rows, err := h.svc.Notified(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch notified patients")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch readmission risk data.")
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.svc.Summary(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch readmission summary")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch readmission summary.")
	}
	return c.JSON(http.StatusOK, s)
}
