package http

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// authStore is a UserStore holding a fixed set of accounts.
type authStore struct {
	mu       sync.Mutex
	users    map[string]*entities.User
	roles    map[string]entities.Role
	sessions map[string]entities.AuthSession
}

func newAuthStore() *authStore {
	return &authStore{
		users:    map[string]*entities.User{},
		roles:    map[string]entities.Role{},
		sessions: map[string]entities.AuthSession{},
	}
}

func (s *authStore) add(t *testing.T, id, email string, role entities.Role, edit func(u *entities.User)) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("segredo1"), bcrypt.MinCost)
	require.NoError(t, err)
	u := &entities.User{ID: id, Email: email, PasswordHash: string(hash), FullName: "Conta " + id, IsActive: true}
	if edit != nil {
		edit(u)
	}
	s.users[id] = u
	s.roles[id] = role
}

func (s *authStore) Create(context.Context, *entities.User) error { return nil }

func (s *authStore) GetByID(_ context.Context, id string) (*entities.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *authStore) GetByEmail(_ context.Context, email string) (*entities.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (s *authStore) UpdatePassword(context.Context, string, string) error { return nil }
func (s *authStore) UpdateProfile(context.Context, string, *entities.Profile) error { return nil }
func (s *authStore) SetRole(context.Context, string, entities.Role) error { return nil }
func (s *authStore) AssignDefaultRole(context.Context, string) (entities.Role, error) { return entities.RoleSeller, nil }

func (s *authStore) GetRole(_ context.Context, userID string) (entities.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[userID]
	if !ok {
		return "", entities.ErrNotFound
	}
	return role, nil
}

func (s *authStore) CreateSession(_ context.Context, sess *entities.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *authStore) GetSession(_ context.Context, id string) (*entities.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return &sess, nil
}

func (s *authStore) GetSessionByTokenHash(context.Context, string) (*entities.AuthSession, error) {
	return nil, entities.ErrNotFound
}

func (s *authStore) RotateSession(context.Context, string, string, string, time.Time) error {
	return entities.ErrSessionRevoked
}

func (s *authStore) RevokeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	now := time.Now()
	sess.RevokedAt = &now
	s.sessions[id] = sess
	return nil
}

func guardedRouter(auth *usecases.AuthUsecase) *gin.Engine {
	m := NewMiddleware(auth)
	r := gin.New()
	r.GET("/me", m.AuthRequired(), m.RequireActive(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": getUserID(c), "role": getRole(c)})
	})
	return r
}

func login(t *testing.T, auth *usecases.AuthUsecase, email string) *usecases.TokenPair {
	t.Helper()
	pair, err := auth.Login(context.Background(), email, "segredo1", "test", "127.0.0.1")
	require.NoError(t, err)
	return pair
}

func bearer(pair *usecases.TokenPair) map[string]string {
	return map[string]string{"Authorization": "Bearer " + pair.AccessToken}
}

func newGuardedAuth(t *testing.T) (*usecases.AuthUsecase, *authStore) {
	t.Helper()
	store := newAuthStore()
	lapsed := time.Now().Add(-24 * time.Hour)
	store.add(t, "seller-1", "ativo@painel.com", entities.RoleSeller, nil)
	store.add(t, "seller-2", "bloqueado@painel.com", entities.RoleSeller, func(u *entities.User) { u.IsActive = false })
	store.add(t, "seller-3", "vencido@painel.com", entities.RoleSeller, func(u *entities.User) { u.SubscriptionExpiresAt = &lapsed })
	store.add(t, "admin-1", "admin@painel.com", entities.RoleAdmin, func(u *entities.User) { u.SubscriptionExpiresAt = &lapsed })

	auth := usecases.NewAuthUsecase(store, nil, usecases.AuthConfig{JWTSecret: "test-secret"})
	return auth, store
}

func TestMiddleware_AuthRequired(t *testing.T) {
	auth, _ := newGuardedAuth(t)
	r := guardedRouter(auth)

	w := serve(r, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, http.MethodGet, "/me", "", map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	pair := login(t, auth, "ativo@painel.com")
	w = serve(r, http.MethodGet, "/me", "", bearer(pair))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "seller-1", body["user_id"])
	assert.Equal(t, "seller", body["role"])

	require.NoError(t, auth.Logout(context.Background(), pair.Session.SessionID))
	w = serve(r, http.MethodGet, "/me", "", bearer(pair))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, usecases.ReasonSignedOut, decode(t, w)["reason"])
}

func TestMiddleware_RequireActive(t *testing.T) {
	auth, _ := newGuardedAuth(t)
	r := guardedRouter(auth)

	for _, tc := range []struct {
		email string
		want  int
	}{
		{"ativo@painel.com", http.StatusOK},
		{"bloqueado@painel.com", http.StatusForbidden},
		{"vencido@painel.com", http.StatusForbidden},
		{"admin@painel.com", http.StatusOK},
	} {
		w := serve(r, http.MethodGet, "/me", "", bearer(login(t, auth, tc.email)))
		assert.Equal(t, tc.want, w.Code, tc.email)
		if tc.want == http.StatusForbidden {
			assert.Equal(t, entities.ErrSubscriptionInactive.Error(), decode(t, w)["error"], tc.email)
		}
	}
}
