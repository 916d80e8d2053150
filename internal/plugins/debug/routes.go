package debug

import "github.com/labstack/echo/v4"

// RegisterRoutes mounts the debug endpoints under /debug.
func RegisterRoutes(g *echo.Group, h *Handler) {
	d := g.Group("/debug")
	d.POST("/echo", h.Echo)
	d.GET("/db_echo", h.DBEcho)
}
