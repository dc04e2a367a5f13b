package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/service"
	"github.com/SoftwareHeritage/swh-vault/common/bootstrap"
)

// AdminHandler exposes operator endpoints for cache maintenance
type AdminHandler struct {
	components *bootstrap.Components
	gc         *service.GCService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(components *bootstrap.Components, gc *service.GCService) *AdminHandler {
	return &AdminHandler{
		components: components,
		gc:         gc,
	}
}

// Sweep runs a cache sweep immediately with the configured retention
// POST /api/v1/admin/sweep
func (h *AdminHandler) Sweep(c echo.Context) error {
	retention := h.components.Config.GC.Retention

	evicted, err := h.gc.Sweep(c.Request().Context(), time.Now(), retention)
	if err != nil {
		h.components.Logger.Error("manual sweep failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "sweep failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"evicted":   evicted,
		"retention": retention.String(),
	})
}

// ExpireOldest evicts the n least recently accessed evictable bundles
// POST /api/v1/admin/expire-oldest?count=n
func (h *AdminHandler) ExpireOldest(c echo.Context) error {
	count := 10
	if v := c.QueryParam("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid count")
		}
		count = n
	}

	evicted, err := h.gc.ExpireOldest(c.Request().Context(), count)
	if err != nil {
		h.components.Logger.Error("expire-oldest failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "expire-oldest failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"evicted": evicted,
	})
}
