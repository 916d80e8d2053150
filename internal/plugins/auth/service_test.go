package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/events"
)

func passwordLogin(username, password string) LoginInput {
	return LoginInput{Identifier: username, Method: MethodPassword, Credential: password}
}

func delegatedLogin(token string) LoginInput {
	return LoginInput{Method: MethodDelegated, Credential: token}
}

// --- Password login ---

func TestPasswordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.repo.addPasswordUser(t, "alice", "pw1-long-enough")

	result, err := env.svc.Login(ctx, passwordLogin("alice", "pw1-long-enough"))
	require.NoError(t, err)
	assert.Equal(t, alice.ID, result.User.ID)
	assert.False(t, result.Created)

	_, err = env.svc.Login(ctx, passwordLogin("alice", "wrong"))
	assertAppError(t, err, http.StatusUnauthorized)

	user, err := env.svc.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, user.ID)

	require.NoError(t, env.svc.Revoke(ctx, result.Token))

	_, err = env.svc.ValidateSession(ctx, result.Token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestLogin_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addPasswordUser(t, "alice", "correct-horse")

	_, errUnknown := env.svc.Login(context.Background(), passwordLogin("mallory", "correct-horse"))
	_, errWrong := env.svc.Login(context.Background(), passwordLogin("alice", "battery-staple"))

	assertAppError(t, errUnknown, http.StatusUnauthorized)
	assertAppError(t, errWrong, http.StatusUnauthorized)
	assert.Equal(t, apperror.SafeMessage(errWrong), apperror.SafeMessage(errUnknown))
}

func TestLogin_UpdatesLastLogin(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addPasswordUser(t, "alice", "correct-horse")

	_, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	require.NoError(t, err)

	cred, err := env.repo.FindCredential(context.Background(), "alice", MethodPassword)
	require.NoError(t, err)
	assert.NotNil(t, cred.LastLoginAt)
}

func TestLogin_LastLoginFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addPasswordUser(t, "alice", "correct-horse")
	env.repo.lastLoginErr = errors.New("lock wait timeout exceeded")

	result, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestLogin_CredentialLookupError(t *testing.T) {
	repo := &mockUserRepo{
		findCredentialFn: func(context.Context, string, AuthMethod) (*Credential, error) {
			return nil, errors.New("connection refused")
		},
	}
	env := newTestEnv(t)
	env.svc.verifiers[MethodPassword] = NewPasswordVerifier(repo)

	_, err := env.svc.Login(context.Background(), passwordLogin("alice", "whatever-pw"))
	assertAppError(t, err, http.StatusInternalServerError)
}

func TestLogin_InactiveUserRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")
	env.repo.update(alice.ID, func(u *User) { u.Status = StatusInactive })

	_, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	assertAppError(t, err, http.StatusUnauthorized)
	assert.Empty(t, env.mr.Keys())
}

func TestLogin_SoftDeletedUserRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")
	deleted := time.Now().UTC()
	env.repo.update(alice.ID, func(u *User) { u.DeletedAt = &deleted })

	_, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestLogin_UnsupportedMethod(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Login(context.Background(), LoginInput{Identifier: "a", Method: AuthMethod(9), Credential: "x"})
	assertAppError(t, err, http.StatusUnprocessableEntity)
}

func TestLogin_PublishesEvents(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addPasswordUser(t, "alice", "correct-horse")

	result, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Logout(context.Background(), result.Token))

	assert.Equal(t, []string{events.TypeLogin, events.TypeLogout}, env.publisher.types())
}

func TestLogin_PublishFailureIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.repo.addPasswordUser(t, "alice", "correct-horse")
	env.publisher.err = errors.New("broker down")

	_, err := env.svc.Login(context.Background(), passwordLogin("alice", "correct-horse"))
	assert.NoError(t, err)
}

// --- Issue ---

func TestIssue_WritesMappingWithTokenLifetime(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.svc.Issue(context.Background(), 42)
	require.NoError(t, err)

	key := "auth_token:" + hashToken(token)
	val, err := env.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "42", val)
	assert.Equal(t, 30*24*time.Hour, env.mr.TTL(key))
}

func TestIssue_DistinctTokensPerCall(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.svc.Issue(context.Background(), 1)
	require.NoError(t, err)
	b, err := env.svc.Issue(context.Background(), 1)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, env.mr.Keys(), 2)
}

func TestIssue_StoreFailureReturnsNoToken(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	token, err := env.svc.Issue(context.Background(), 1)
	assertAppError(t, err, http.StatusInternalServerError)
	assert.Empty(t, token)
}

// --- ValidateSession ---

func TestValidateSession_RevokedTokenStillParses(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Revoke(context.Background(), token))

	// The signature alone is still valid...
	_, err = env.tokens.Parse(token)
	require.NoError(t, err)

	// ...but without the mapping the session is rejected.
	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_SubjectMismatch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")
	bob := env.repo.addPasswordUser(t, "bob", "correct-horse")

	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.Put(context.Background(), token, bob.ID, time.Hour))

	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_SoftDeletedUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)

	deleted := time.Now().UTC()
	env.repo.update(alice.ID, func(u *User) { u.DeletedAt = &deleted })

	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)
	env.repo.update(alice.ID, func(u *User) { u.Status = StatusInactive })

	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.svc.Issue(context.Background(), 999)
	require.NoError(t, err)

	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	env.tokens.now = func() time.Time { return time.Now().Add(-31 * 24 * time.Hour) }
	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)
	env.tokens.now = time.Now

	// The mapping is still present; the signed expiry alone rejects.
	_, err = env.svc.ValidateSession(context.Background(), token)
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestValidateSession_MalformedTokens(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	other, err := NewTokenIssuer("another-secret-key-at-least-32-chars", "HS256", time.Hour)
	require.NoError(t, err)
	forged, err := other.Sign(alice.ID)
	require.NoError(t, err)
	// Even with a mapping in place, a forged signature never authorizes.
	require.NoError(t, env.store.Put(context.Background(), forged, alice.ID, time.Hour))

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"forged":  forged,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.ValidateSession(context.Background(), token)
			assertAppError(t, err, http.StatusUnauthorized)
		})
	}
}

func TestValidateSession_StoreErrorNeverAuthorizes(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.addPasswordUser(t, "alice", "correct-horse")

	token, err := env.svc.Issue(context.Background(), alice.ID)
	require.NoError(t, err)
	env.mr.Close()

	user, err := env.svc.ValidateSession(context.Background(), token)
	assert.Nil(t, user)
	assertAppError(t, err, http.StatusInternalServerError)
}

// --- Revoke / Logout ---

func TestRevoke_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.svc.Issue(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, env.svc.Revoke(context.Background(), token))
	require.NoError(t, env.svc.Revoke(context.Background(), token))
	assert.Empty(t, env.mr.Keys())
}

func TestLogout_AlreadyRevokedSucceeds(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.svc.Issue(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(context.Background(), token))
	require.NoError(t, env.svc.Logout(context.Background(), token))
}

func TestLogout_UnsignedTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.Logout(context.Background(), "garbage")
	assertAppError(t, err, http.StatusUnauthorized)
}

// --- Delegated login ---

func TestDelegatedLogin_ProvisionsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.provider.identifyFn = func(_ context.Context, token string) (*ExternalIdentity, error) {
		require.Equal(t, "ext-session", token)
		return &ExternalIdentity{ProviderID: "ext-42", Email: "a@b.com", Name: "Ada"}, nil
	}

	first, err := env.svc.Login(context.Background(), delegatedLogin("ext-session"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "a@b.com", *first.User.Email)
	assert.Equal(t, StatusActive, first.User.Status)

	second, err := env.svc.Login(context.Background(), delegatedLogin("ext-session"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.User.ID, second.User.ID)

	count, _ := env.repo.CountUsers(context.Background())
	assert.Equal(t, 1, count)

	// The session we issue is ours, not the provider's token.
	user, err := env.svc.ValidateSession(context.Background(), second.Token)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, user.ID)
	_, err = env.svc.ValidateSession(context.Background(), "ext-session")
	assertAppError(t, err, http.StatusUnauthorized)

	assert.Equal(t, []string{events.TypeUserProvisioned, events.TypeLogin, events.TypeLogin}, env.publisher.types())
}

func TestDelegatedLogin_ProviderUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.identifyFn = func(context.Context, string) (*ExternalIdentity, error) {
		return nil, apperror.NewUnavailable("identity provider unavailable", errors.New("HTTP 500"))
	}

	_, err := env.svc.Login(context.Background(), delegatedLogin("ext-session"))
	assertAppError(t, err, http.StatusServiceUnavailable)

	count, _ := env.repo.CountUsers(context.Background())
	assert.Zero(t, count)
	assert.Empty(t, env.mr.Keys())
}

func TestDelegatedLogin_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Login(context.Background(), delegatedLogin("bogus"))
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestDelegatedLogin_PlainProviderErrorIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.identifyFn = func(context.Context, string) (*ExternalIdentity, error) {
		return nil, errors.New("dns lookup failed")
	}

	_, err := env.svc.Login(context.Background(), delegatedLogin("ext-session"))
	assertAppError(t, err, http.StatusServiceUnavailable)
}

// --- Provisioning ---

func TestFindOrCreate_ConcurrentFirstLogins(t *testing.T) {
	repo := newMemRepo()
	p := NewProvisioner(repo)
	identity := ExternalIdentity{ProviderID: "ext-42", Email: "a@b.com", Name: "Ada"}

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			user, _, err := p.FindOrCreate(context.Background(), identity)
			errs[i] = err
			if err == nil {
				ids[i] = user.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	count, _ := repo.CountUsers(context.Background())
	assert.Equal(t, 1, count)
}

func TestFindOrCreate_DuplicateInsertRefetchesWinner(t *testing.T) {
	winner := &User{Base: Base{ID: 5}, ProviderID: strPtr("ext-42"), Name: "Ada", Status: StatusActive}
	lookups := 0
	repo := &mockUserRepo{
		findByProviderIDFn: func(context.Context, string) (*User, error) {
			lookups++
			if lookups == 1 {
				return nil, apperror.NewNotFound("user not found")
			}
			return winner, nil
		},
		createFn: func(context.Context, *User) error {
			return errors.Join(errors.New("Error 1062"), ErrDuplicate)
		},
	}

	user, created, err := NewProvisioner(repo).FindOrCreate(context.Background(), ExternalIdentity{ProviderID: "ext-42"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), user.ID)
	assert.Equal(t, 2, lookups)
}

func TestFindOrCreate_SoftDeletedNotResurrected(t *testing.T) {
	repo := newMemRepo()
	deleted := time.Now().UTC()
	require.NoError(t, repo.Create(context.Background(), &User{
		ProviderID: strPtr("ext-42"),
		Name:       "Gone",
		Status:     StatusActive,
		DeletedAt:  &deleted,
	}))

	_, _, err := NewProvisioner(repo).FindOrCreate(context.Background(), ExternalIdentity{ProviderID: "ext-42"})
	assertAppError(t, err, http.StatusUnauthorized)
	assert.Equal(t, 1, repo.createCalls)
}

func TestFindOrCreate_CreateError(t *testing.T) {
	repo := &mockUserRepo{
		createFn: func(context.Context, *User) error { return errors.New("disk full") },
	}

	_, _, err := NewProvisioner(repo).FindOrCreate(context.Background(), ExternalIdentity{ProviderID: "ext-42"})
	assertAppError(t, err, http.StatusInternalServerError)
}

func TestFindOrCreate_MissingProviderID(t *testing.T) {
	_, _, err := NewProvisioner(newMemRepo()).FindOrCreate(context.Background(), ExternalIdentity{Email: "a@b.com"})
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestFindOrCreate_NameFallsBackToEmail(t *testing.T) {
	env := newTestEnv(t)
	env.provider.identifyFn = func(context.Context, string) (*ExternalIdentity, error) {
		return providerUser{ID: "ext-7", EmailAddresses: []providerEmail{{Email: "x@y.com"}}}.toIdentity()
	}

	result, err := env.svc.Login(context.Background(), delegatedLogin("t"))
	require.NoError(t, err)
	assert.Equal(t, "x@y.com", result.User.Name)
}

func TestFindOrCreate_StripsMarkupFromName(t *testing.T) {
	p := NewProvisioner(newMemRepo())

	user, created, err := p.FindOrCreate(context.Background(), ExternalIdentity{ProviderID: "ext-1", Name: "<b>Ada</b><script>x()</script>"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ada", user.Name)

	user, _, err = p.FindOrCreate(context.Background(), ExternalIdentity{ProviderID: "ext-2", Name: "<script>x()</script>"})
	require.NoError(t, err)
	assert.Equal(t, "ext-2", user.Name)
}
