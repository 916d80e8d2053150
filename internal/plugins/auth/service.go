package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/events"
)

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repository directly.
type AuthService interface {
	// Login verifies a credential with the verifier registered for its
	// method and issues a session.
	Login(ctx context.Context, input LoginInput) (*LoginResult, error)

	// Issue mints a signed token for userID and stores its mapping. No
	// token is returned unless the mapping was written.
	Issue(ctx context.Context, userID int64) (string, error)

	// ValidateSession authorizes a token: valid signature and expiry, a
	// live mapping for the same subject, and a live active user.
	ValidateSession(ctx context.Context, token string) (*User, error)

	// Revoke deletes the token's mapping. Revoking twice is not an error.
	Revoke(ctx context.Context, token string) error

	// Logout checks the token's signature, then revokes it.
	Logout(ctx context.Context, token string) error
}

// authService implements AuthService with signed tokens and Redis mappings.
type authService struct {
	repo        UserRepository
	sessions    SessionStore
	tokens      *TokenIssuer
	provisioner *Provisioner
	verifiers   map[AuthMethod]CredentialVerifier
	events      events.Publisher
}

// NewAuthService creates a new auth service with the given dependencies.
// Each verifier is registered under its Method(); a nil publisher
// disables events.
func NewAuthService(repo UserRepository, sessions SessionStore, tokens *TokenIssuer, publisher events.Publisher, verifiers ...CredentialVerifier) AuthService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	byMethod := make(map[AuthMethod]CredentialVerifier, len(verifiers))
	for _, v := range verifiers {
		byMethod[v.Method()] = v
	}
	return &authService{
		repo:        repo,
		sessions:    sessions,
		tokens:      tokens,
		provisioner: NewProvisioner(repo),
		verifiers:   byMethod,
		events:      publisher,
	}
}

// Login authenticates with any registered method. Delegated identities are
// provisioned on first login; LoginResult.Created reports that case.
func (s *authService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	verifier, ok := s.verifiers[input.Method]
	if !ok {
		return nil, apperror.NewValidation(fmt.Sprintf("unsupported auth method %s", input.Method))
	}

	verified, err := verifier.Verify(ctx, input)
	if err != nil {
		return nil, err
	}

	var (
		user    *User
		created bool
	)
	if verified.Identity != nil {
		user, created, err = s.provisioner.FindOrCreate(ctx, *verified.Identity)
		if err != nil {
			return nil, err
		}
	} else {
		user, err = s.liveUser(ctx, verified.UserID)
		if err != nil {
			return nil, err
		}
	}

	if !user.IsActive() {
		return nil, apperror.NewUnauthorized("account inactive")
	}

	token, err := s.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if created {
		s.publish(ctx, events.TypeUserProvisioned, user.ID, input.Method)
	}
	s.publish(ctx, events.TypeLogin, user.ID, input.Method)

	slog.Info("user logged in",
		slog.Int64("user_id", user.ID),
		slog.String("method", input.Method.String()),
		slog.Bool("provisioned", created),
	)

	return &LoginResult{Token: token, User: user, Created: created}, nil
}

// Issue signs a token and writes its mapping with the same lifetime.
func (s *authService) Issue(ctx context.Context, userID int64) (string, error) {
	token, err := s.tokens.Sign(userID)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("issuing token: %w", err))
	}

	if err := s.sessions.Put(ctx, token, userID, s.tokens.TTL()); err != nil {
		return "", apperror.NewInternal(fmt.Errorf("creating session: %w", err))
	}

	return token, nil
}

// ValidateSession runs every check in order and rejects on the first
// failure. Store errors never authorize.
func (s *authService) ValidateSession(ctx context.Context, token string) (*User, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	mappedID, err := s.sessions.Get(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, apperror.NewUnauthorized("session expired or revoked")
	}
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("reading session: %w", err))
	}

	if mappedID != claims.UserID {
		slog.Warn("session subject mismatch",
			slog.Int64("token_user_id", claims.UserID),
			slog.Int64("session_user_id", mappedID),
		)
		return nil, apperror.NewUnauthorized("token subject mismatch")
	}

	user, err := s.liveUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, apperror.NewUnauthorized("account inactive")
	}

	return user, nil
}

// Revoke deletes the mapping for token.
func (s *authService) Revoke(ctx context.Context, token string) error {
	if err := s.sessions.Delete(ctx, token); err != nil {
		return apperror.NewInternal(fmt.Errorf("revoking session: %w", err))
	}
	return nil
}

// Logout rejects tokens this server never signed, then revokes. A signed
// token whose mapping is already gone still logs out successfully.
func (s *authService) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}

	if err := s.Revoke(ctx, token); err != nil {
		return err
	}

	s.publish(ctx, events.TypeLogout, claims.UserID, 0)
	slog.Info("user logged out", slog.Int64("user_id", claims.UserID))
	return nil
}

// parse verifies a token and converts failures to Unauthorized.
func (s *authService) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, apperror.NewUnauthorized("not authenticated")
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid or expired token")
	}
	return claims, nil
}

// liveUser loads a non-deleted user, folding NotFound into Unauthorized.
func (s *authService) liveUser(ctx context.Context, id int64) (*User, error) {
	user, err := s.repo.FindLiveByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperror.NewUnauthorized("user not found")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}
	return user, nil
}

// publish sends an event without failing the caller.
func (s *authService) publish(ctx context.Context, eventType string, userID int64, method AuthMethod) {
	publishEvent(ctx, s.events, eventType, userID, method)
}

// publishEvent hands an event to p and logs a failure instead of returning
// it.
func publishEvent(ctx context.Context, p events.Publisher, eventType string, userID int64, method AuthMethod) {
	event := events.Event{Type: eventType, UserID: userID, OccurredAt: time.Now().UTC()}
	if method != 0 {
		event.Method = method.String()
	}
	if err := p.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish auth event",
			slog.String("type", eventType),
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
	}
}
