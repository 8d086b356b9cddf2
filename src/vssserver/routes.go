package vssserver

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers the wire-protocol handlers with the Echo
// instance, following the teacher's routes.SetupRoutes shape.
func SetupRoutes(e *echo.Echo, h *Handler) {
	e.GET("/v1/stores/:store_id/objects/:key", h.GetObject)
	e.GET("/v1/stores/:store_id/objects", h.ListKeyVersions)
	e.PUT("/v1/stores/:store_id/objects", h.PutObject)
	e.DELETE("/v1/stores/:store_id/objects", h.DeleteObject)
}
