package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/container"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/handlers"
)

// RegisterBundleRoutes registers cooking and retrieval routes
func RegisterBundleRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBundleHandler(c.Components, c.VaultService)

	bundles := e.Group("/api/v1/bundles")
	{
		bundles.POST("/:type/:object_id", h.CookBundle)      // POST /api/v1/bundles/directory/{hex}?email=&sticky=
		bundles.GET("/:type/:object_id", h.GetBundle)        // GET /api/v1/bundles/directory/{hex}
		bundles.GET("/:type/:object_id/raw", h.FetchBundle)  // GET /api/v1/bundles/directory/{hex}/raw
		bundles.PUT("/:type/:object_id/sticky", h.SetSticky) // PUT /api/v1/bundles/directory/{hex}/sticky
	}
}
