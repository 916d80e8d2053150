package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/events"
	"github.com/keyxmakerx/moment/internal/sanitize"
)

// Password and username limits enforced at registration.
const (
	minPasswordLen = 8
	maxPasswordLen = 128
	maxFieldLen    = 255
)

// Registrar creates password users.
type Registrar struct {
	repo   UserRepository
	events events.Publisher
	now    func() time.Time
}

// NewRegistrar creates a registrar backed by repo. A nil publisher
// disables events.
func NewRegistrar(repo UserRepository, publisher events.Publisher) *Registrar {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Registrar{repo: repo, events: publisher, now: time.Now}
}

// Register validates input, hashes the password with argon2id and stores
// the user and its password credential in one transaction. An existing
// credential for the username is a Conflict.
func (r *Registrar) Register(ctx context.Context, input RegisterInput) (*User, error) {
	username := strings.TrimSpace(input.Username)
	name := sanitize.Text(input.Name)
	if name == "" {
		name = username
	}

	if err := validateRegisterInput(username, input.Password, name); err != nil {
		return nil, err
	}

	// Check before doing expensive hashing.
	_, err := r.repo.FindCredential(ctx, username, MethodPassword)
	if err == nil {
		return nil, apperror.NewConflict(fmt.Sprintf("user %q already exists", username))
	}
	if !isNotFound(err) {
		return nil, apperror.NewInternal(fmt.Errorf("checking username: %w", err))
	}

	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	now := r.now().UTC().Truncate(time.Second)
	user := &User{
		Base:   Base{CreatedAt: now, UpdatedAt: now},
		Name:   name,
		Status: StatusActive,
	}
	cred := &Credential{
		AuthID: username,
		Method: MethodPassword,
		Secret: hash,
	}

	if err := r.repo.CreateWithCredential(ctx, user, cred); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperror.NewConflict(fmt.Sprintf("user %q already exists", username))
		}
		return nil, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
	}

	slog.Info("user registered",
		slog.Int64("user_id", user.ID),
		slog.String("username", username),
	)
	publishEvent(ctx, r.events, events.TypeUserRegistered, user.ID, MethodPassword)

	return user, nil
}

// validateRegisterInput returns a Validation error describing the first
// problem found.
func validateRegisterInput(username, password, name string) error {
	switch {
	case username == "":
		return apperror.NewValidation("username is required")
	case utf8.RuneCountInString(username) > maxFieldLen:
		return apperror.NewValidation("username is too long")
	case utf8.RuneCountInString(name) > maxFieldLen:
		return apperror.NewValidation("name is too long")
	case len(password) < minPasswordLen:
		return apperror.NewValidation(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	case len(password) > maxPasswordLen:
		return apperror.NewValidation(fmt.Sprintf("password must be at most %d characters", maxPasswordLen))
	}
	return nil
}
