package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/moment/internal/apperror"
)

// Context keys for storing auth data in Echo context. Other plugins
// use the exported getter functions below to read them.
const (
	contextKeyUser  = "auth_user"
	contextKeyToken = "auth_token"
)

// RequireAuth returns middleware that validates the bearer token and
// injects the authenticated user into the request context. Any failed
// check produces a 401 through the error handler.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c)
			if token == "" {
				return apperror.NewUnauthorized("not authenticated")
			}

			user, err := service.ValidateSession(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(contextKeyUser, user)
			c.Set(contextKeyToken, token)

			return next(c)
		}
	}
}

// --- Exported getters for other plugins ---

// GetUser retrieves the authenticated user from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func GetUser(c echo.Context) *User {
	user, ok := c.Get(contextKeyUser).(*User)
	if !ok {
		return nil
	}
	return user
}

// GetUserID retrieves the authenticated user's ID from the Echo context.
// Returns 0 if the request is not authenticated.
func GetUserID(c echo.Context) int64 {
	if user := GetUser(c); user != nil {
		return user.ID
	}
	return 0
}

// GetToken returns the bearer token that authenticated the request.
func GetToken(c echo.Context) string {
	token, _ := c.Get(contextKeyToken).(string)
	return token
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively.
func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
