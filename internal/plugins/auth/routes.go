package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up all auth routes on the given API group. Token
// and login endpoints pass through limiter to slow brute-force and
// credential stuffing.
func RegisterRoutes(g *echo.Group, h *Handler, service AuthService, limiter echo.MiddlewareFunc) {
	a := g.Group("/auth")

	// Public routes -- no session required.
	a.POST("/token", h.Token, limiter)
	a.POST("/login", h.Login, limiter)
	a.POST("/login/delegated", h.LoginDelegated, limiter)

	// Logout verifies the token itself so it stays idempotent.
	a.POST("/logout", h.Logout)

	a.GET("/me", h.Me, RequireAuth(service))
}
