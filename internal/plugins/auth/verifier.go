package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/keyxmakerx/moment/internal/apperror"
)

// Verification is the outcome of a successful credential check. Exactly one
// of UserID and Identity is set: local methods resolve a user directly,
// delegated methods return an identity to provision.
type Verification struct {
	UserID   int64
	Identity *ExternalIdentity
}

// CredentialVerifier checks one kind of credential. Adding an auth method
// means adding an AuthMethod constant and a verifier for it.
type CredentialVerifier interface {
	Method() AuthMethod
	Verify(ctx context.Context, in LoginInput) (*Verification, error)
}

// passwordVerifier checks argon2id hashes stored in auth_user.
type passwordVerifier struct {
	repo UserRepository
}

// NewPasswordVerifier creates the verifier for MethodPassword.
func NewPasswordVerifier(repo UserRepository) CredentialVerifier {
	return &passwordVerifier{repo: repo}
}

func (v *passwordVerifier) Method() AuthMethod { return MethodPassword }

// Verify looks up the credential for (identifier, password) and compares
// the secret. Unknown identifiers and wrong secrets both yield the same
// Unauthorized error after the same amount of hashing work.
func (v *passwordVerifier) Verify(ctx context.Context, in LoginInput) (*Verification, error) {
	cred, err := v.repo.FindCredential(ctx, in.Identifier, MethodPassword)
	if err != nil {
		if isNotFound(err) {
			burnPasswordCheck(in.Credential)
			return nil, apperror.NewUnauthorized("invalid credentials")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding credential: %w", err))
	}

	if !verifyPassword(in.Credential, cred.Secret) {
		return nil, apperror.NewUnauthorized("invalid credentials")
	}

	// Non-critical: a failed timestamp update must not fail the login.
	if err := v.repo.UpdateLastLogin(ctx, cred.ID); err != nil {
		slog.Warn("failed to update last login",
			slog.Int64("user_id", cred.UserID),
			slog.Any("error", err),
		)
	}

	return &Verification{UserID: cred.UserID}, nil
}

// delegatedVerifier asks the identity provider who owns a session token.
type delegatedVerifier struct {
	provider IdentityProvider
}

// NewDelegatedVerifier creates the verifier for MethodDelegated.
func NewDelegatedVerifier(provider IdentityProvider) CredentialVerifier {
	return &delegatedVerifier{provider: provider}
}

func (v *delegatedVerifier) Method() AuthMethod { return MethodDelegated }

// Verify resolves the external token. Provider errors already carry the
// right status (401 for a bad token, 503 for an unreachable provider).
func (v *delegatedVerifier) Verify(ctx context.Context, in LoginInput) (*Verification, error) {
	identity, err := v.provider.Identify(ctx, in.Credential)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.NewUnavailable("identity provider unavailable", err)
	}
	return &Verification{Identity: identity}, nil
}

// isNotFound checks if an error is an apperror NotFound.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == http.StatusNotFound
}
