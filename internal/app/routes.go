package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/middleware"
	"github.com/keyxmakerx/moment/internal/plugins/auth"
	"github.com/keyxmakerx/moment/internal/plugins/debug"
)

// healthTimeout bounds each dependency ping in /healthz.
const healthTimeout = 2 * time.Second

// RegisterRoutes builds the plugin graph and registers every route. It
// fails only when the auth configuration cannot produce a token issuer.
func (a *App) RegisterRoutes() error {
	e := a.Echo

	e.GET("/healthz", a.healthz)

	// --- Auth plugin ---
	tokens, err := auth.NewTokenIssuer(a.Config.Auth.JWTSecret, a.Config.Auth.JWTAlgorithm, a.Config.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}

	userRepo := auth.NewUserRepository(a.DB)
	sessions := auth.NewRedisSessionStore(a.Redis, a.Config.Auth.SessionKeyPrefix)

	verifiers := []auth.CredentialVerifier{auth.NewPasswordVerifier(userRepo)}
	if a.Config.Identity.Enabled() {
		verifiers = append(verifiers, auth.NewDelegatedVerifier(auth.NewIdentityProvider(a.Config.Identity)))
		slog.Info("delegated login enabled",
			slog.String("provider", a.Config.Identity.BaseURL),
			slog.String("mode", a.Config.Identity.Mode),
		)
	}

	authService := auth.NewAuthService(userRepo, sessions, tokens, a.Events, verifiers...)
	limiter := middleware.RateLimit(a.Config.RateLimit, a.Redis)

	api := e.Group(a.Config.APIPrefix)
	auth.RegisterRoutes(api, auth.NewHandler(authService), authService, limiter)

	// --- Debug plugin ---
	if a.Config.Debug {
		debug.RegisterRoutes(api, debug.NewHandler(userRepo, a.Redis))
		slog.Warn("debug endpoints enabled", slog.String("prefix", a.Config.APIPrefix+"/debug"))
	}

	return nil
}

// healthz pings MySQL and Redis.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	if err := a.DB.PingContext(ctx); err != nil {
		return apperror.NewUnavailable("database unavailable", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return apperror.NewUnavailable("redis unavailable", err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
