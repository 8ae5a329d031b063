package usecases

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// memUsers is a UserStore whose session rotation matches the repository:
// the swap only happens while the old hash is still current.
type memUsers struct {
	mu       sync.Mutex
	users    map[string]*entities.User
	roles    map[string]entities.Role
	sessions map[string]entities.AuthSession

	// lookups, when set, holds every GetSessionByTokenHash until all
	// expected callers have read the session.
	lookups *sync.WaitGroup
}

func newMemUsers() *memUsers {
	return &memUsers{
		users:    map[string]*entities.User{},
		roles:    map[string]entities.Role{},
		sessions: map[string]entities.AuthSession{},
	}
}

func (m *memUsers) Create(_ context.Context, u *entities.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return entities.ErrEmailTaken
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*entities.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*entities.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (m *memUsers) UpdatePassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].PasswordHash = hash
	return nil
}

func (m *memUsers) UpdateProfile(_ context.Context, id string, p *entities.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].FullName = p.FullName
	return nil
}

func (m *memUsers) GetRole(_ context.Context, userID string) (entities.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[userID]
	if !ok {
		return "", entities.ErrNotFound
	}
	return role, nil
}

func (m *memUsers) SetRole(_ context.Context, userID string, role entities.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = role
	return nil
}

func (m *memUsers) AssignDefaultRole(_ context.Context, userID string) (entities.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role, ok := m.roles[userID]; ok {
		return role, nil
	}
	role := entities.RoleSeller
	if len(m.roles) == 0 {
		role = entities.RoleAdmin
	}
	m.roles[userID] = role
	return role, nil
}

func (m *memUsers) CreateSession(_ context.Context, s *entities.AuthSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memUsers) GetSession(_ context.Context, id string) (*entities.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return &s, nil
}

func (m *memUsers) GetSessionByTokenHash(_ context.Context, hash string) (*entities.AuthSession, error) {
	m.mu.Lock()
	var found *entities.AuthSession
	for _, s := range m.sessions {
		if s.RefreshTokenHash == hash {
			cp := s
			found = &cp
		}
	}
	wg := m.lookups
	m.mu.Unlock()

	if wg != nil {
		wg.Done()
		wg.Wait()
	}
	if found == nil {
		return nil, entities.ErrNotFound
	}
	return found, nil
}

func (m *memUsers) RotateSession(_ context.Context, id, oldHash, newHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil || s.RefreshTokenHash != oldHash {
		return entities.ErrSessionRevoked
	}
	s.RefreshTokenHash = newHash
	s.ExpiresAt = expiresAt
	m.sessions[id] = s
	return nil
}

func (m *memUsers) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return entities.ErrNotFound
	}
	now := time.Now()
	s.RevokedAt = &now
	m.sessions[id] = s
	return nil
}

type authUsecaseHarness struct {
	uc    *AuthUsecase
	users *memUsers
	clock *fakeClock
}

func newAuthUsecaseHarness(t *testing.T, users *memUsers) *authUsecaseHarness {
	t.Helper()
	if users == nil {
		users = newMemUsers()
	}
	h := &authUsecaseHarness{
		users: users,
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.uc = NewAuthUsecase(users, &mapCache{}, AuthConfig{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	h.uc.now = h.clock.Now
	return h
}

func (h *authUsecaseHarness) register(t *testing.T, email string) *entities.User {
	t.Helper()
	u, _, err := h.uc.Register(context.Background(), RegisterInput{Email: email, Password: "segredo1", FullName: "Revenda"})
	require.NoError(t, err)
	return u
}

func TestAuthUsecase_RegisterAssignsRoles(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	ctx := context.Background()

	_, role, err := h.uc.Register(ctx, RegisterInput{Email: "Dono@Painel.com", Password: "segredo1", FullName: "Dono"})
	require.NoError(t, err)
	assert.Equal(t, entities.RoleAdmin, role, "first user administers the platform")

	_, role, err = h.uc.Register(ctx, RegisterInput{Email: "revenda@painel.com", Password: "segredo1", FullName: "Revenda"})
	require.NoError(t, err)
	assert.Equal(t, entities.RoleSeller, role)

	_, _, err = h.uc.Register(ctx, RegisterInput{Email: "dono@painel.com", Password: "outrasenha", FullName: "Outro"})
	assert.ErrorIs(t, err, entities.ErrEmailTaken)

	_, _, err = h.uc.Register(ctx, RegisterInput{Email: "invalido", Password: "123", FullName: "X"})
	var verrs validation.Errors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs, "email")
	assert.Contains(t, verrs, "password")
	assert.Contains(t, verrs, "full_name")
}

func TestAuthUsecase_LoginRejectsBadCredentials(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	h.register(t, "revenda@painel.com")
	ctx := context.Background()

	_, err := h.uc.Login(ctx, "revenda@painel.com", "errada", "test", "127.0.0.1")
	assert.ErrorIs(t, err, entities.ErrInvalidCredentials)

	_, err = h.uc.Login(ctx, "ninguem@painel.com", "segredo1", "test", "127.0.0.1")
	assert.ErrorIs(t, err, entities.ErrInvalidCredentials)
	assert.Empty(t, h.users.sessions)
}

func TestAuthUsecase_LoginIssuesTokens(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	user := h.register(t, "revenda@painel.com")

	pair, err := h.uc.Login(context.Background(), "REVENDA@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), pair.ExpiresAt)
	assert.Equal(t, AuthAuthenticated, pair.Session.State)

	claims, err := h.uc.ParseToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, entities.RoleAdmin, claims.Role)
	assert.Equal(t, pair.Session.SessionID, claims.SessionID)

	stored := h.users.sessions[claims.SessionID]
	assert.Equal(t, hashToken(pair.RefreshToken), stored.RefreshTokenHash, "only the hash is stored")
}

func TestAuthUsecase_RefreshRotatesToken(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	h.register(t, "revenda@painel.com")
	ctx := context.Background()

	first, err := h.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	second, err := h.uc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), second.ExpiresAt)
	assert.Equal(t, first.Session.SessionID, second.Session.SessionID)

	_, err = h.uc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, entities.ErrSessionRevoked, "a used refresh token cannot be replayed")

	_, err = h.uc.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestAuthUsecase_ConcurrentRefreshMintsOnePair(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	h.register(t, "revenda@painel.com")
	ctx := context.Background()

	pair, err := h.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	h.users.mu.Lock()
	h.users.lookups = wg
	h.users.mu.Unlock()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.uc.Refresh(ctx, pair.RefreshToken)
			errs <- err
		}()
	}

	var ok, revoked int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, entities.ErrSessionRevoked):
				revoked++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("refresh did not return")
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, revoked)
}

func TestAuthUsecase_RefreshRejectsExpiredAndRevoked(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	h.register(t, "revenda@painel.com")
	ctx := context.Background()

	pair, err := h.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)
	_, err = h.uc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, entities.ErrSessionRevoked)

	pair, err = h.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, h.uc.Logout(ctx, pair.Session.SessionID))
	_, err = h.uc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, entities.ErrSessionRevoked)

	_, err = h.uc.Refresh(ctx, "nunca-emitido")
	assert.ErrorIs(t, err, entities.ErrSessionRevoked)
}

func TestAuthUsecase_LogoutEndsSession(t *testing.T) {
	h := newAuthUsecaseHarness(t, nil)
	h.register(t, "revenda@painel.com")
	ctx := context.Background()

	pair, err := h.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, h.uc.Logout(ctx, pair.Session.SessionID))

	snap, err := h.uc.SessionState(ctx, pair.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, AuthUnauthenticated, snap.State)
	assert.Equal(t, ReasonSignedOut, snap.Reason)
	assert.NotNil(t, h.users.sessions[pair.Session.SessionID].RevokedAt)
}

func TestAuthUsecase_SessionStateRebuildsUnknownSession(t *testing.T) {
	users := newMemUsers()
	first := newAuthUsecaseHarness(t, users)
	user := first.register(t, "revenda@painel.com")
	ctx := context.Background()

	pair, err := first.uc.Login(ctx, "revenda@painel.com", "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)

	restarted := newAuthUsecaseHarness(t, users)
	snap, err := restarted.uc.SessionState(ctx, pair.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, snap.State)
	assert.Equal(t, user.ID, snap.UserID)
	assert.Equal(t, entities.RoleAdmin, snap.Role)

	snap, err = restarted.uc.SessionState(ctx, "sessao-desconhecida")
	require.NoError(t, err)
	assert.Equal(t, AuthUnauthenticated, snap.State)
	assert.Equal(t, ReasonNoSession, snap.Reason)
}
