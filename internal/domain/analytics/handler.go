package analytics

import (
	"net/http"

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
	api.GET("/analytics/analysis-data", h.GetAnalysisData)
}

func (h *Handler) GetAnalysisData(c echo.Context) error {
	data, err := h.svc.AnalysisData(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("fetch analytics data")
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
	}
	return c.JSON(http.StatusOK, data)
}
