// Package auth handles user authentication, session management, and password
// security for Moment. Every successful login mints a signed session token
// and a matching Redis mapping; both must agree on every request for the
// request to be authorized. Logout deletes the mapping.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the account state of a user.
type Status int16

const (
	StatusInactive Status = 0
	StatusActive   Status = 1
)

// AuthMethod identifies how a credential is verified. Each method has exactly
// one CredentialVerifier registered in the service.
type AuthMethod int16

const (
	// MethodPassword verifies an argon2id hash stored in auth_user.
	MethodPassword AuthMethod = 1

	// MethodDelegated verifies a session token issued by the external
	// identity provider. Nothing is stored in auth_user for it.
	MethodDelegated AuthMethod = 2
)

// String returns the wire name of the method.
func (m AuthMethod) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodDelegated:
		return "delegated"
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}

// UnmarshalJSON accepts either the method name or its numeric code, so both
// {"method":"password"} and {"method":1} bind.
func (m *AuthMethod) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseAuthMethod(name)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}

	var code int16
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("auth method must be a name or a number")
	}
	*m = AuthMethod(code)
	return nil
}

// ParseAuthMethod maps a method name or decimal code to an AuthMethod.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "password", "1":
		return MethodPassword, nil
	case "delegated", "2":
		return MethodDelegated, nil
	}
	return 0, fmt.Errorf("unknown auth method %q", s)
}

// Base holds the columns shared by every table.
type Base struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a Moment account. Users are soft-deleted: a non-nil DeletedAt
// removes the user from every lookup and authentication path.
type User struct {
	Base
	ProviderID *string
	Email      *string
	Name       string
	AvatarURL  *string
	Status     Status
	IsVerified bool
	DeletedAt  *time.Time
}

// IsActive reports whether the user may authenticate.
func (u *User) IsActive() bool {
	return u.DeletedAt == nil && u.Status == StatusActive
}

// Credential links a user to one authentication method. (AuthID, Method)
// is unique across all credentials.
type Credential struct {
	Base
	UserID      int64
	AuthID      string
	Method      AuthMethod
	Secret      string `json:"-"` // argon2id hash; never serialized.
	AuthData    map[string]any
	LastLoginAt *time.Time
}

// ExternalIdentity is what the identity provider reports about the owner of
// a delegated session token.
type ExternalIdentity struct {
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

// --- Request DTOs (bound from HTTP requests) ---

// TokenRequest is the OAuth2 password-grant form posted to /auth/token.
type TokenRequest struct {
	Username string `form:"username"`
	Password string `form:"password"`
}

// LoginRequest is the JSON body posted to /auth/login.
type LoginRequest struct {
	Identifier string         `json:"identifier"`
	Method     AuthMethod     `json:"method"`
	Credential string         `json:"credential"`
	AuthData   map[string]any `json:"auth_data"`
}

// --- Service Input DTOs (passed from handler to service) ---

// LoginInput is the validated input for authenticating with any method.
// For MethodDelegated, Credential carries the external session token and
// Identifier is ignored.
type LoginInput struct {
	Identifier string
	Method     AuthMethod
	Credential string
	AuthData   map[string]any
}

// RegisterInput is the validated input for creating a password user.
type RegisterInput struct {
	Username string
	Password string
	Name     string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token string
	User  *User

	// Created is true when this login provisioned the user.
	Created bool
}

// --- Response DTOs ---

// timeLayout matches the "YYYY-MM-DD HH:MM:SS" format clients expect.
const timeLayout = "2006-01-02 15:04:05"

// UserResponse is the public JSON shape of a user.
type UserResponse struct {
	ID         int64   `json:"id"`
	ProviderID *string `json:"provider_id"`
	Email      *string `json:"email"`
	Name       string  `json:"name"`
	AvatarURL  *string `json:"avatar_url"`
	Status     Status  `json:"status"`
	IsVerified bool    `json:"is_verified"`
	CreatedAt  string  `json:"created_at"`
}

// NewUserResponse converts a user to its public JSON shape.
func NewUserResponse(u *User) UserResponse {
	return UserResponse{
		ID:         u.ID,
		ProviderID: u.ProviderID,
		Email:      u.Email,
		Name:       u.Name,
		AvatarURL:  u.AvatarURL,
		Status:     u.Status,
		IsVerified: u.IsVerified,
		CreatedAt:  u.CreatedAt.UTC().Format(timeLayout),
	}
}

// TokenResponse is returned by /auth/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// LoginResponse is returned by the JSON login endpoints.
type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        UserResponse `json:"user"`
}

// MessageResponse carries a human-readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}
