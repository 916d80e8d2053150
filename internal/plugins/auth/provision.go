package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/sanitize"
)

// Provisioner finds or creates local users for external identities.
type Provisioner struct {
	repo UserRepository
	now  func() time.Time
}

// NewProvisioner creates a provisioner backed by repo.
func NewProvisioner(repo UserRepository) *Provisioner {
	return &Provisioner{repo: repo, now: time.Now}
}

// FindOrCreate returns the user holding identity.ProviderID, creating an
// active user when none exists. Concurrent first logins for the same
// provider id converge on one row: the loser of the insert race re-reads
// the winner's row. A soft-deleted holder is never resurrected.
func (p *Provisioner) FindOrCreate(ctx context.Context, identity ExternalIdentity) (*User, bool, error) {
	if identity.ProviderID == "" {
		return nil, false, apperror.NewUnauthorized("identity has no provider id")
	}

	user, err := p.find(ctx, identity.ProviderID)
	if err == nil {
		return user, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	name := sanitize.Text(identity.Name)
	if name == "" {
		name = identity.ProviderID
	}

	now := p.now().UTC().Truncate(time.Second)
	user = &User{
		Base:       Base{CreatedAt: now, UpdatedAt: now},
		ProviderID: &identity.ProviderID,
		Name:       name,
		Status:     StatusActive,
		IsVerified: true,
	}
	if identity.Email != "" {
		user.Email = &identity.Email
	}
	if identity.AvatarURL != "" {
		user.AvatarURL = &identity.AvatarURL
	}

	if err := p.repo.Create(ctx, user); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, false, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
		}
		// Someone else provisioned this identity first.
		existing, err := p.find(ctx, identity.ProviderID)
		if err != nil {
			if isNotFound(err) {
				return nil, false, apperror.NewInternal(errors.New("user for provider id vanished after duplicate insert"))
			}
			return nil, false, err
		}
		return existing, false, nil
	}

	slog.Info("user provisioned",
		slog.Int64("user_id", user.ID),
		slog.String("provider_id", identity.ProviderID),
	)
	return user, true, nil
}

// find looks up a live user by provider id. A soft-deleted holder yields
// Unauthorized, a missing one NotFound.
func (p *Provisioner) find(ctx context.Context, providerID string) (*User, error) {
	user, err := p.repo.FindByProviderID(ctx, providerID)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding user by provider id: %w", err))
	}
	if user.DeletedAt != nil {
		return nil, apperror.NewUnauthorized("account disabled")
	}
	return user, nil
}
