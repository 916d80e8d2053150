package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/moment/internal/apperror"
)

// tokenType is the OAuth2 token type of every issued token.
const tokenType = "bearer"

// Handler handles HTTP requests for authentication. Handlers are thin: they
// bind the request, call the service, and render the response. No business
// logic lives here.
type Handler struct {
	service AuthService
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service AuthService) *Handler {
	return &Handler{service: service}
}

// Token implements the OAuth2 password grant (POST /auth/token). Only
// password credentials are accepted here.
func (h *Handler) Token(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid form body")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return apperror.NewValidation("username and password are required")
	}

	result, err := h.service.Login(c.Request().Context(), LoginInput{
		Identifier: strings.TrimSpace(req.Username),
		Method:     MethodPassword,
		Credential: req.Password,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: result.Token,
		TokenType:   tokenType,
	})
}

// Login authenticates with any supported method (POST /auth/login).
// Responds 201 when a delegated login provisioned a new user.
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	input := LoginInput{
		Identifier: strings.TrimSpace(req.Identifier),
		Method:     req.Method,
		Credential: req.Credential,
		AuthData:   req.AuthData,
	}
	if input.Method == 0 {
		input.Method = MethodPassword
	}
	if input.Credential == "" {
		return apperror.NewValidation("credential is required")
	}
	if input.Method == MethodPassword && input.Identifier == "" {
		return apperror.NewValidation("identifier is required")
	}

	return h.login(c, input)
}

// LoginDelegated authenticates with an external session token presented
// as the bearer (POST /auth/login/delegated).
func (h *Handler) LoginDelegated(c echo.Context) error {
	token := bearerToken(c)
	if token == "" {
		return apperror.NewUnauthorized("missing session token")
	}

	return h.login(c, LoginInput{Method: MethodDelegated, Credential: token})
}

func (h *Handler) login(c echo.Context, input LoginInput) error {
	result, err := h.service.Login(c.Request().Context(), input)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}

	return c.JSON(status, LoginResponse{
		AccessToken: result.Token,
		TokenType:   tokenType,
		User:        NewUserResponse(result.User),
	})
}

// Logout revokes the bearer token (POST /auth/logout). Logging out an
// already revoked token succeeds.
func (h *Handler) Logout(c echo.Context) error {
	if err := h.service.Logout(c.Request().Context(), bearerToken(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// Me returns the authenticated user (GET /auth/me).
func (h *Handler) Me(c echo.Context) error {
	user := GetUser(c)
	if user == nil {
		return apperror.NewMissingContext()
	}
	return c.JSON(http.StatusOK, NewUserResponse(user))
}
