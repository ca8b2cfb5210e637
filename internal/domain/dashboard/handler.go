package dashboard

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
	api.GET("/dashboard/data", h.GetData)
}

func (h *Handler) GetData(c echo.Context) error {
	snap, err := h.svc.Snapshot(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("build dashboard snapshot")
		return echo.NewHTTPError(http.StatusInternalServerError, "An error occurred while fetching dashboard data")
	}
	return c.JSON(http.StatusOK, snap)
}
