package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/container"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/handlers"
)

// RegisterAdminRoutes registers operator endpoints for cache maintenance
func RegisterAdminRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAdminHandler(c.Components, c.GCService)

	admin := e.Group("/api/v1/admin")
	{
		admin.POST("/sweep", h.Sweep)                // POST /api/v1/admin/sweep
		admin.POST("/expire-oldest", h.ExpireOldest) // POST /api/v1/admin/expire-oldest?count=n
	}
}
