package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/events"
)

const testSecret = "test-secret-key-at-least-32-characters!"

// --- In-memory repository ---

type credKey struct {
	authID string
	method AuthMethod
}

// memRepo implements UserRepository in memory, enforcing the same unique
// keys as the schema.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*User
	creds  map[credKey]*Credential

	lastLoginErr error
	createCalls  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users: make(map[int64]*User),
		creds: make(map[credKey]*Credential),
	}
}

func (r *memRepo) FindLiveByID(_ context.Context, id int64) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, apperror.NewNotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) FindByProviderID(_ context.Context, providerID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ProviderID != nil && *u.ProviderID == providerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NewNotFound("user not found")
}

func (r *memRepo) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if err := r.checkProviderLocked(user); err != nil {
		return err
	}
	r.insertLocked(user)
	return nil
}

func (r *memRepo) CreateWithCredential(_ context.Context, user *User, cred *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if err := r.checkProviderLocked(user); err != nil {
		return err
	}
	key := credKey{cred.AuthID, cred.Method}
	if _, ok := r.creds[key]; ok {
		return fmt.Errorf("inserting credential: %w", ErrDuplicate)
	}
	r.insertLocked(user)
	r.nextID++
	cred.ID = r.nextID
	cred.UserID = user.ID
	cp := *cred
	r.creds[key] = &cp
	return nil
}

func (r *memRepo) FindCredential(_ context.Context, authID string, method AuthMethod) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[credKey{authID, method}]
	if !ok {
		return nil, apperror.NewNotFound("credential not found")
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) UpdateLastLogin(_ context.Context, credentialID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastLoginErr != nil {
		return r.lastLoginErr
	}
	for _, c := range r.creds {
		if c.ID == credentialID {
			now := time.Now().UTC()
			c.LastLoginAt = &now
		}
	}
	return nil
}

func (r *memRepo) CountUsers(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), nil
}

func (r *memRepo) checkProviderLocked(user *User) error {
	if user.ProviderID == nil {
		return nil
	}
	for _, u := range r.users {
		if u.ProviderID != nil && *u.ProviderID == *user.ProviderID {
			return fmt.Errorf("inserting user: %w", ErrDuplicate)
		}
	}
	return nil
}

func (r *memRepo) insertLocked(user *User) {
	r.nextID++
	user.ID = r.nextID
	cp := *user
	r.users[user.ID] = &cp
}

// addPasswordUser stores an active user with a password credential.
func (r *memRepo) addPasswordUser(t *testing.T, username, password string) *User {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	user := &User{Name: username, Status: StatusActive, Base: Base{CreatedAt: time.Now().UTC()}}
	cred := &Credential{AuthID: username, Method: MethodPassword, Secret: hash}
	if err := r.CreateWithCredential(context.Background(), user, cred); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return user
}

// update mutates a stored user in place.
func (r *memRepo) update(id int64, fn func(u *User)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.users[id])
}

// --- Function-field mocks ---

// mockUserRepo implements UserRepository for error-path tests.
type mockUserRepo struct {
	findLiveByIDFn         func(ctx context.Context, id int64) (*User, error)
	findByProviderIDFn     func(ctx context.Context, providerID string) (*User, error)
	createFn               func(ctx context.Context, user *User) error
	createWithCredentialFn func(ctx context.Context, user *User, cred *Credential) error
	findCredentialFn       func(ctx context.Context, authID string, method AuthMethod) (*Credential, error)
	updateLastLoginFn      func(ctx context.Context, credentialID int64) error
}

func (m *mockUserRepo) FindLiveByID(ctx context.Context, id int64) (*User, error) {
	if m.findLiveByIDFn != nil {
		return m.findLiveByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByProviderID(ctx context.Context, providerID string) (*User, error) {
	if m.findByProviderIDFn != nil {
		return m.findByProviderIDFn(ctx, providerID)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) CreateWithCredential(ctx context.Context, user *User, cred *Credential) error {
	if m.createWithCredentialFn != nil {
		return m.createWithCredentialFn(ctx, user, cred)
	}
	return nil
}

func (m *mockUserRepo) FindCredential(ctx context.Context, authID string, method AuthMethod) (*Credential, error) {
	if m.findCredentialFn != nil {
		return m.findCredentialFn(ctx, authID, method)
	}
	return nil, apperror.NewNotFound("credential not found")
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, credentialID int64) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, credentialID)
	}
	return nil
}

func (m *mockUserRepo) CountUsers(context.Context) (int, error) {
	return 0, nil
}

// mockIdentityProvider implements IdentityProvider.
type mockIdentityProvider struct {
	identifyFn func(ctx context.Context, token string) (*ExternalIdentity, error)
}

func (m *mockIdentityProvider) Identify(ctx context.Context, token string) (*ExternalIdentity, error) {
	if m.identifyFn != nil {
		return m.identifyFn(ctx, token)
	}
	return nil, apperror.NewUnauthorized("invalid session token")
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// --- Service fixture ---

type testEnv struct {
	svc       *authService
	repo      *memRepo
	mr        *miniredis.Miniredis
	store     SessionStore
	tokens    *TokenIssuer
	provider  *mockIdentityProvider
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	tokens, err := NewTokenIssuer(testSecret, "HS256", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("creating token issuer: %v", err)
	}

	repo := newMemRepo()
	store := NewRedisSessionStore(rdb, "auth_token:")
	provider := &mockIdentityProvider{}
	publisher := &recordingPublisher{}

	svc := NewAuthService(repo, store, tokens, publisher,
		NewPasswordVerifier(repo),
		NewDelegatedVerifier(provider),
	).(*authService)

	return &testEnv{
		svc:       svc,
		repo:      repo,
		mr:        mr,
		store:     store,
		tokens:    tokens,
		provider:  provider,
		publisher: publisher,
	}
}

// assertAppError checks that err is an AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

func strPtr(s string) *string { return &s }
