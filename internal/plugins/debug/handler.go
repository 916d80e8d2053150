// Package debug exposes diagnostic endpoints that exercise the request
// pipeline, MySQL and Redis. Only mounted when DEBUG is enabled.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/moment/internal/apperror"
)

// echoUserID is the fixed user id reported by the echo endpoint.
const echoUserID = 1234

// probeKey is the Redis key read by db_echo.
const probeKey = "test"

// UserCounter provides the user count for db_echo. Satisfied by
// auth.UserRepository.
type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

// EchoRequest is the body of POST /debug/echo.
type EchoRequest struct {
	Message string `json:"message"`
}

// EchoResponse is returned by POST /debug/echo.
type EchoResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

// DBEchoResponse is returned by GET /debug/db_echo. RedisValue is null
// when the probe key is absent.
type DBEchoResponse struct {
	UserCount  int     `json:"user_count"`
	RedisValue *string `json:"redis_value"`
}

// Handler serves the debug endpoints.
type Handler struct {
	users UserCounter
	redis *redis.Client
}

// NewHandler creates a debug handler.
func NewHandler(users UserCounter, rdb *redis.Client) *Handler {
	return &Handler{users: users, redis: rdb}
}

// Echo returns the posted message (POST /debug/echo).
func (h *Handler) Echo(c echo.Context) error {
	var req EchoRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return apperror.NewValidation("message is required")
	}

	return c.JSON(http.StatusOK, EchoResponse{Message: req.Message, UserID: echoUserID})
}

// DBEcho reports the user count and the Redis probe value
// (GET /debug/db_echo).
func (h *Handler) DBEcho(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := h.users.CountUsers(ctx)
	if err != nil {
		return apperror.NewInternal(err)
	}

	resp := DBEchoResponse{UserCount: count}
	val, err := h.redis.Get(ctx, probeKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return apperror.NewInternal(fmt.Errorf("reading probe key: %w", err))
	default:
		resp.RedisValue = &val
	}

	return c.JSON(http.StatusOK, resp)
}
