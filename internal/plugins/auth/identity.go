package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/config"
)

// IdentityProvider resolves an externally issued session token to the
// identity of its owner.
type IdentityProvider interface {
	Identify(ctx context.Context, sessionToken string) (*ExternalIdentity, error)
}

// Identity lookup modes.
const (
	// IdentityModeWhoAmI calls one endpoint with the user's token.
	IdentityModeWhoAmI = "whoami"

	// IdentityModeSession resolves the session with the server secret,
	// then fetches the session's user.
	IdentityModeSession = "session"
)

// maxIdentityBody caps how much of a provider response is read.
const maxIdentityBody = 1 << 20

// httpIdentityProvider talks to the provider's REST API.
type httpIdentityProvider struct {
	client     *http.Client
	baseURL    string
	secretKey  string
	mode       string
	whoAmIPath string
}

// NewIdentityProvider creates an HTTP identity provider client. Every call
// is bounded by cfg.Timeout.
func NewIdentityProvider(cfg config.IdentityConfig) IdentityProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	mode := cfg.Mode
	if mode == "" {
		mode = IdentityModeWhoAmI
	}
	return &httpIdentityProvider{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		mode:       mode,
		whoAmIPath: cfg.WhoAmIPath,
	}
}

// providerUser is the user object returned by the provider.
type providerUser struct {
	ID             string          `json:"id"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	ImageURL       string          `json:"image_url"`
	EmailAddresses []providerEmail `json:"email_addresses"`
}

// providerEmail is one entry of a provider user's email list. Some
// providers use "email" instead of "email_address".
type providerEmail struct {
	EmailAddress string `json:"email_address"`
	Email        string `json:"email"`
}

// providerSession is the session object returned in session mode.
type providerSession struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

// Identify implements IdentityProvider.
func (p *httpIdentityProvider) Identify(ctx context.Context, sessionToken string) (*ExternalIdentity, error) {
	if sessionToken == "" {
		return nil, apperror.NewUnauthorized("missing session token")
	}

	var user providerUser
	switch p.mode {
	case IdentityModeSession:
		var session providerSession
		if err := p.get(ctx, "/v1/sessions/"+url.PathEscape(sessionToken), p.secretKey, &session); err != nil {
			return nil, err
		}
		if session.Status != "active" {
			return nil, apperror.NewUnauthorized("session is not active")
		}
		if session.UserID == "" {
			return nil, apperror.NewUnavailable("identity provider unavailable",
				errors.New("session response has no user_id"))
		}
		if err := p.get(ctx, "/v1/users/"+url.PathEscape(session.UserID), p.secretKey, &user); err != nil {
			return nil, err
		}
	default:
		if err := p.get(ctx, p.whoAmIPath, sessionToken, &user); err != nil {
			return nil, err
		}
	}

	return user.toIdentity()
}

// get performs an authenticated GET and decodes the JSON body into out.
// Transport failures, 5xx, 429 and undecodable bodies are Unavailable;
// any other non-2xx is Unauthorized.
func (p *httpIdentityProvider) get(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("building identity request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return apperror.NewUnavailable("identity provider unavailable",
			fmt.Errorf("calling identity provider: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperror.NewUnavailable("identity provider unavailable",
			fmt.Errorf("identity provider returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIdentityBody))
		return apperror.NewUnauthorized("invalid session token")
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBody)).Decode(out); err != nil {
		return apperror.NewUnavailable("identity provider unavailable",
			fmt.Errorf("decoding identity response: %w", err))
	}
	return nil
}

// toIdentity maps the provider's user object onto ExternalIdentity.
func (u providerUser) toIdentity() (*ExternalIdentity, error) {
	if u.ID == "" {
		return nil, apperror.NewUnavailable("identity provider unavailable",
			errors.New("identity response has no id"))
	}

	var email string
	for _, e := range u.EmailAddresses {
		if email = e.EmailAddress; email == "" {
			email = e.Email
		}
		if email != "" {
			break
		}
	}

	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = email
	}
	if name == "" {
		name = u.ID
	}

	return &ExternalIdentity{
		ProviderID: u.ID,
		Email:      email,
		Name:       name,
		AvatarURL:  u.ImageURL,
	}, nil
}
